// Package postgres implements the persistence contracts on PostgreSQL via
// pgx. Atomic units run in one database transaction and use row locks
// (SELECT ... FOR UPDATE) plus conditional UPDATEs for compare-and-set.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var _ store.Store = (*Store)(nil)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres-backed store.Store.
type Store struct {
	pool    pool
	builder sq.StatementBuilderType
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %w", fleet.ErrStoreUnavailable, err)
	}
	return NewWithPool(p)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: p, builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return mapErr("apply schema", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w: %w", fleet.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Atomic runs fn inside one transaction. Any error from fn rolls it back.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	if err := fn(ctx, &pgTx{q: tx, builder: s.builder}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit transaction", err)
	}
	return nil
}

const jobColumns = `id, area_id, keyword, assigned_to, status, logs, error_message, businesses_found,
	processing_time_seconds, created_at, started_at, completed_at`

// CreateJob inserts a pending job with its "created" log entry.
func (s *Store) CreateJob(ctx context.Context, job store.NewJob) (fleet.ScrapeJob, error) {
	return insertJob(ctx, s.pool, job)
}

func insertJob(ctx context.Context, q querier, job store.NewJob) (fleet.ScrapeJob, error) {
	logs, err := json.Marshal([]fleet.LogEntry{{At: job.CreatedAt, Event: fleet.LogCreated}})
	if err != nil {
		return fleet.ScrapeJob{}, fmt.Errorf("marshal job log: %w", err)
	}
	row := q.QueryRow(ctx, `
INSERT INTO scrape_jobs (area_id, keyword, status, logs, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+jobColumns,
		job.AreaID, job.Keyword, string(fleet.JobPending), logs, job.CreatedAt)
	created, err := scanJob(row)
	if err != nil {
		return fleet.ScrapeJob{}, mapErr(fmt.Sprintf("insert job for area %d", job.AreaID), err)
	}
	return created, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID int64) (fleet.ScrapeJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, jobID))
	if err != nil {
		return fleet.ScrapeJob{}, mapErr(fmt.Sprintf("get job %d", jobID), err)
	}
	return job, nil
}

// ListJobs returns jobs in FIFO order.
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]fleet.ScrapeJob, error) {
	q := s.builder.Select(jobColumns).From("scrape_jobs").OrderBy("created_at", "id")
	if filter.Status != nil {
		q = q.Where(sq.Eq{"status": string(*filter.Status)})
	}
	if filter.AreaID != 0 {
		q = q.Where(sq.Eq{"area_id": filter.AreaID})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	sqlText, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, mapErr("list jobs", err)
	}
	defer rows.Close()
	out := make([]fleet.ScrapeJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapErr("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list jobs", err)
	}
	return out, nil
}

// ListStaleJobs returns ids of running jobs started before the cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id FROM scrape_jobs
WHERE status = 'running' AND started_at < $1
ORDER BY id`, startedBefore)
	if err != nil {
		return nil, mapErr("list stale jobs", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, mapErr("list stale jobs", err)
	}
	return ids, nil
}

const adminColumns = `id, email, status, supported_keywords, max_concurrent_jobs, last_seen_at, created_at`

// RegisterAdmin upserts an admin keyed by id. A clash on email with another
// id is reported as a validation error.
func (s *Store) RegisterAdmin(ctx context.Context, admin fleet.Admin) (fleet.Admin, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO admins (id, email, status, supported_keywords, max_concurrent_jobs, last_seen_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	email = EXCLUDED.email,
	status = EXCLUDED.status,
	supported_keywords = EXCLUDED.supported_keywords,
	max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
	last_seen_at = EXCLUDED.last_seen_at
RETURNING `+adminColumns,
		admin.ID, admin.Email, string(admin.Status), keywordArray(admin.Keywords),
		admin.MaxConcurrentJobs, admin.LastSeenAt, admin.CreatedAt)
	saved, err := scanAdmin(row)
	if err != nil {
		return fleet.Admin{}, mapErr(fmt.Sprintf("register admin %s", admin.Email), err)
	}
	return saved, nil
}

// GetAdmin loads one admin.
func (s *Store) GetAdmin(ctx context.Context, workerID uuid.UUID) (fleet.Admin, error) {
	admin, err := scanAdmin(s.pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM admins WHERE id = $1`, workerID))
	if err != nil {
		return fleet.Admin{}, mapErr(fmt.Sprintf("get admin %s", workerID), err)
	}
	return admin, nil
}

// ListAdmins returns every admin ordered by email.
func (s *Store) ListAdmins(ctx context.Context) ([]fleet.Admin, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+adminColumns+` FROM admins ORDER BY email`)
	if err != nil {
		return nil, mapErr("list admins", err)
	}
	defer rows.Close()
	out := make([]fleet.Admin, 0)
	for rows.Next() {
		admin, err := scanAdmin(rows)
		if err != nil {
			return nil, mapErr("scan admin", err)
		}
		out = append(out, admin)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list admins", err)
	}
	return out, nil
}

// UpdateAdminStatus records a heartbeat.
func (s *Store) UpdateAdminStatus(
	ctx context.Context,
	workerID uuid.UUID,
	status fleet.AdminStatus,
	seenAt time.Time,
) (fleet.Admin, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE admins SET status = $2, last_seen_at = $3
WHERE id = $1
RETURNING `+adminColumns, workerID, string(status), seenAt)
	admin, err := scanAdmin(row)
	if err != nil {
		return fleet.Admin{}, mapErr(fmt.Sprintf("update admin %s", workerID), err)
	}
	return admin, nil
}

// CountRunning counts running jobs assigned to the worker.
func (s *Store) CountRunning(ctx context.Context, workerID uuid.UUID) (int, error) {
	return countRunning(ctx, s.pool, workerID)
}

func countRunning(ctx context.Context, q querier, workerID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM scrape_jobs WHERE assigned_to = $1 AND status = 'running'`,
		workerID).Scan(&n)
	if err != nil {
		return 0, mapErr(fmt.Sprintf("count running jobs for %s", workerID), err)
	}
	return n, nil
}

const (
	countryColumns = `id, name, iso_code, cities_populated, cities_count, populated_at`
	cityColumns    = `id, country_id, name, code, areas_populated, areas_count, populated_at`
	areaColumns    = `id, city_id, name, last_scraped_at`
)

// CreateCountry seeds a root geography node.
func (s *Store) CreateCountry(ctx context.Context, name, isoCode string) (fleet.Country, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO countries (name, iso_code) VALUES ($1, $2) RETURNING `+countryColumns, name, isoCode)
	country, err := scanCountry(row)
	if err != nil {
		return fleet.Country{}, mapErr(fmt.Sprintf("create country %s", isoCode), err)
	}
	return country, nil
}

// GetCountry loads one country.
func (s *Store) GetCountry(ctx context.Context, countryID int64) (fleet.Country, error) {
	country, err := scanCountry(s.pool.QueryRow(ctx,
		`SELECT `+countryColumns+` FROM countries WHERE id = $1`, countryID))
	if err != nil {
		return fleet.Country{}, mapErr(fmt.Sprintf("get country %d", countryID), err)
	}
	return country, nil
}

// GetCity loads one city.
func (s *Store) GetCity(ctx context.Context, cityID int64) (fleet.City, error) {
	city, err := scanCity(s.pool.QueryRow(ctx, `SELECT `+cityColumns+` FROM cities WHERE id = $1`, cityID))
	if err != nil {
		return fleet.City{}, mapErr(fmt.Sprintf("get city %d", cityID), err)
	}
	return city, nil
}

// GetArea loads one area.
func (s *Store) GetArea(ctx context.Context, areaID int64) (fleet.Area, error) {
	area, err := scanArea(s.pool.QueryRow(ctx, `SELECT `+areaColumns+` FROM areas WHERE id = $1`, areaID))
	if err != nil {
		return fleet.Area{}, mapErr(fmt.Sprintf("get area %d", areaID), err)
	}
	return area, nil
}

// ListCities returns the cities of a country ordered by id.
func (s *Store) ListCities(ctx context.Context, countryID int64) ([]fleet.City, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cityColumns+` FROM cities WHERE country_id = $1 ORDER BY id`, countryID)
	if err != nil {
		return nil, mapErr("list cities", err)
	}
	defer rows.Close()
	out := make([]fleet.City, 0)
	for rows.Next() {
		city, err := scanCity(rows)
		if err != nil {
			return nil, mapErr("scan city", err)
		}
		out = append(out, city)
	}
	return out, mapErr("list cities", rows.Err())
}

// ListAreas returns the areas of a city ordered by id.
func (s *Store) ListAreas(ctx context.Context, cityID int64) ([]fleet.Area, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+areaColumns+` FROM areas WHERE city_id = $1 ORDER BY id`, cityID)
	if err != nil {
		return nil, mapErr("list areas", err)
	}
	defer rows.Close()
	out := make([]fleet.Area, 0)
	for rows.Next() {
		area, err := scanArea(rows)
		if err != nil {
			return nil, mapErr("scan area", err)
		}
		out = append(out, area)
	}
	return out, mapErr("list areas", rows.Err())
}

// DescribeArea joins an area with its ancestors.
func (s *Store) DescribeArea(ctx context.Context, areaID int64) (fleet.AreaPath, error) {
	var p fleet.AreaPath
	err := s.pool.QueryRow(ctx, `
SELECT a.id, a.city_id, a.name, a.last_scraped_at,
	c.id, c.country_id, c.name, c.code, c.areas_populated, c.areas_count, c.populated_at,
	co.id, co.name, co.iso_code, co.cities_populated, co.cities_count, co.populated_at
FROM areas a
JOIN cities c ON c.id = a.city_id
JOIN countries co ON co.id = c.country_id
WHERE a.id = $1`, areaID).Scan(
		&p.Area.ID, &p.Area.CityID, &p.Area.Name, &p.Area.LastScrapedAt,
		&p.City.ID, &p.City.CountryID, &p.City.Name, &p.City.Code, &p.City.AreasPopulated, &p.City.AreasCount, &p.City.PopulatedAt,
		&p.Country.ID, &p.Country.Name, &p.Country.ISOCode, &p.Country.CitiesPopulated, &p.Country.CitiesCount, &p.Country.PopulatedAt,
	)
	if err != nil {
		return fleet.AreaPath{}, mapErr(fmt.Sprintf("describe area %d", areaID), err)
	}
	return p, nil
}

// ListBusinesses returns the businesses stored for a job ordered by id.
func (s *Store) ListBusinesses(ctx context.Context, jobID int64) ([]fleet.Business, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, job_id, area_id, name, address, phone, website, category, rating, review_count,
	latitude, longitude, raw_info, status, created_at
FROM businesses WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, mapErr("list businesses", err)
	}
	defer rows.Close()
	out := make([]fleet.Business, 0)
	for rows.Next() {
		var (
			b      fleet.Business
			raw    []byte
			status string
		)
		if err := rows.Scan(&b.ID, &b.JobID, &b.AreaID, &b.Name, &b.Address, &b.Phone, &b.Website, &b.Category,
			&b.Rating, &b.ReviewCount, &b.Latitude, &b.Longitude, &raw, &status, &b.CreatedAt); err != nil {
			return nil, mapErr("scan business", err)
		}
		b.Raw = raw
		b.Status = fleet.BusinessStatus(status)
		out = append(out, b)
	}
	return out, mapErr("list businesses", rows.Err())
}

func keywordArray(a fleet.KeywordAffinity) []string {
	if kw := a.Keywords(); kw != nil {
		return kw
	}
	return []string{}
}

// mapErr attaches the operation and translates driver errors into the
// fleet sentinels. A nil err stays nil.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	case errors.As(err, &pgErr):
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %s", op, fleet.ErrValidation, pgErr.Detail)
		case pgErr.Code == "23503":
			return fmt.Errorf("%s: %w: %s", op, store.ErrNotFound, pgErr.Detail)
		case pgErr.Code == "23514":
			return fmt.Errorf("%s: %w: %s", op, fleet.ErrValidation, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%s: %w: %w", op, fleet.ErrStoreUnavailable, err)
		}
	case isConnectionError(err):
		return fmt.Errorf("%s: %w: %w", op, fleet.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
