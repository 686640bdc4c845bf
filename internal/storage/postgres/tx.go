package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

// pgTx implements store.Tx on one pgx transaction.
type pgTx struct {
	q       querier
	builder sq.StatementBuilderType
}

var _ store.Tx = (*pgTx)(nil)

func logPatch(entry fleet.LogEntry) ([]byte, error) {
	data, err := json.Marshal([]fleet.LogEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("marshal job log: %w", err)
	}
	return data, nil
}

func (tx *pgTx) LockWorker(ctx context.Context, workerID uuid.UUID) (fleet.Admin, int, error) {
	admin, err := scanAdmin(tx.q.QueryRow(ctx,
		`SELECT `+adminColumns+` FROM admins WHERE id = $1 FOR UPDATE`, workerID))
	if err != nil {
		return fleet.Admin{}, 0, mapErr(fmt.Sprintf("lock admin %s", workerID), err)
	}
	running, err := countRunning(ctx, tx.q, workerID)
	if err != nil {
		return fleet.Admin{}, 0, err
	}
	return admin, running, nil
}

// NextPendingJob skips rows locked by concurrent claimers so two assigners
// rarely contend for the same head of queue.
func (tx *pgTx) NextPendingJob(
	ctx context.Context,
	affinity fleet.KeywordAffinity,
	exclude []int64,
) (fleet.ScrapeJob, error) {
	q := tx.builder.Select(jobColumns).
		From("scrape_jobs").
		Where(sq.Eq{"status": string(fleet.JobPending)}).
		OrderBy("created_at", "id").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")
	if !affinity.IsAny() {
		// Affinity members are normalized; rows written before normalization
		// may not be.
		q = q.Where(sq.Eq{"lower(btrim(keyword))": affinity.Keywords()})
	}
	if len(exclude) > 0 {
		q = q.Where(sq.NotEq{"id": exclude})
	}
	sqlText, args, err := q.ToSql()
	if err != nil {
		return fleet.ScrapeJob{}, fmt.Errorf("build pending job query: %w", err)
	}
	job, err := scanJob(tx.q.QueryRow(ctx, sqlText, args...))
	if err != nil {
		return fleet.ScrapeJob{}, mapErr("select pending job", err)
	}
	return job, nil
}

func (tx *pgTx) ClaimJob(
	ctx context.Context,
	jobID int64,
	workerID uuid.UUID,
	at time.Time,
	entry fleet.LogEntry,
) (bool, error) {
	patch, err := logPatch(entry)
	if err != nil {
		return false, err
	}
	tag, err := tx.q.Exec(ctx, `
UPDATE scrape_jobs
SET status = 'running', assigned_to = $2, started_at = $3, logs = logs || $4::jsonb
WHERE id = $1 AND status = 'pending'`, jobID, workerID, at, patch)
	if err != nil {
		return false, mapErr(fmt.Sprintf("claim job %d", jobID), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *pgTx) LockJob(ctx context.Context, jobID int64) (fleet.ScrapeJob, error) {
	job, err := scanJob(tx.q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return fleet.ScrapeJob{}, mapErr(fmt.Sprintf("lock job %d", jobID), err)
	}
	return job, nil
}

func (tx *pgTx) InsertBusinesses(ctx context.Context, businesses []fleet.Business) (int, error) {
	if len(businesses) == 0 {
		return 0, nil
	}
	q := tx.builder.Insert("businesses").Columns(
		"job_id", "area_id", "name", "address", "phone", "website", "category",
		"rating", "review_count", "latitude", "longitude", "raw_info", "status", "created_at",
	)
	for _, b := range businesses {
		status := b.Status
		if status == "" {
			status = fleet.BusinessNew
		}
		var raw []byte
		if len(b.Raw) > 0 {
			raw = b.Raw
		}
		q = q.Values(b.JobID, b.AreaID, b.Name, b.Address, b.Phone, b.Website, b.Category,
			b.Rating, b.ReviewCount, b.Latitude, b.Longitude, raw, string(status), b.CreatedAt)
	}
	sqlText, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build business insert: %w", err)
	}
	tag, err := tx.q.Exec(ctx, sqlText, args...)
	if err != nil {
		return 0, mapErr("insert businesses", err)
	}
	return int(tag.RowsAffected()), nil
}

func (tx *pgTx) FinishJob(ctx context.Context, finish store.Finish) (bool, error) {
	patch, err := logPatch(finish.Log)
	if err != nil {
		return false, err
	}
	tag, err := tx.q.Exec(ctx, `
UPDATE scrape_jobs
SET status = $3, assigned_to = NULL, completed_at = $4, processing_time_seconds = $5,
	businesses_found = $6, error_message = $7, logs = logs || $8::jsonb
WHERE id = $1 AND assigned_to = $2 AND status = 'running'`,
		finish.JobID, finish.WorkerID, string(finish.Status), finish.CompletedAt,
		finish.ProcessingTimeSeconds, finish.BusinessesFound, finish.ErrorMessage, patch)
	if err != nil {
		return false, mapErr(fmt.Sprintf("finish job %d", finish.JobID), err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchArea never moves last_scraped_at backwards.
func (tx *pgTx) TouchArea(ctx context.Context, areaID int64, at time.Time) error {
	tag, err := tx.q.Exec(ctx, `
UPDATE areas SET last_scraped_at = GREATEST(COALESCE(last_scraped_at, $2), $2)
WHERE id = $1`, areaID, at)
	if err != nil {
		return mapErr(fmt.Sprintf("touch area %d", areaID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch area %d: %w", areaID, store.ErrNotFound)
	}
	return nil
}

func (tx *pgTx) ResetJob(ctx context.Context, jobID int64, from fleet.JobStatus, entry fleet.LogEntry) (bool, error) {
	patch, err := logPatch(entry)
	if err != nil {
		return false, err
	}
	tag, err := tx.q.Exec(ctx, `
UPDATE scrape_jobs
SET status = 'pending', assigned_to = NULL, started_at = NULL, completed_at = NULL,
	processing_time_seconds = NULL, error_message = NULL, businesses_found = 0,
	logs = logs || $3::jsonb
WHERE id = $1 AND status = $2`, jobID, string(from), patch)
	if err != nil {
		return false, mapErr(fmt.Sprintf("reset job %d", jobID), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *pgTx) HasOpenJob(ctx context.Context, areaID int64, keyword string) (bool, error) {
	var exists bool
	err := tx.q.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM scrape_jobs
	WHERE area_id = $1 AND lower(btrim(keyword)) = $2 AND status IN ('pending', 'running')
)`, areaID, fleet.NormalizeKeyword(keyword)).Scan(&exists)
	if err != nil {
		return false, mapErr("check open job", err)
	}
	return exists, nil
}

func (tx *pgTx) InsertJob(ctx context.Context, job store.NewJob) (fleet.ScrapeJob, error) {
	return insertJob(ctx, tx.q, job)
}

func (tx *pgTx) LockCountry(ctx context.Context, countryID int64) (fleet.Country, error) {
	country, err := scanCountry(tx.q.QueryRow(ctx,
		`SELECT `+countryColumns+` FROM countries WHERE id = $1 FOR UPDATE`, countryID))
	if err != nil {
		return fleet.Country{}, mapErr(fmt.Sprintf("lock country %d", countryID), err)
	}
	return country, nil
}

func (tx *pgTx) InsertCities(ctx context.Context, countryID int64, cities []fleet.CitySeed) error {
	if len(cities) == 0 {
		return nil
	}
	q := tx.builder.Insert("cities").Columns("country_id", "name", "code").
		Suffix("ON CONFLICT (country_id, name) DO NOTHING")
	for _, c := range cities {
		q = q.Values(countryID, c.Name, c.Code)
	}
	return tx.execInsert(ctx, q, fmt.Sprintf("insert cities of country %d", countryID))
}

func (tx *pgTx) MarkCountryPopulated(ctx context.Context, countryID int64, at time.Time) (int, error) {
	var count int
	err := tx.q.QueryRow(ctx, `
UPDATE countries
SET cities_populated = TRUE, populated_at = $2,
	cities_count = (SELECT count(*) FROM cities WHERE country_id = $1)
WHERE id = $1
RETURNING cities_count`, countryID, at).Scan(&count)
	if err != nil {
		return 0, mapErr(fmt.Sprintf("mark country %d populated", countryID), err)
	}
	return count, nil
}

func (tx *pgTx) LockCity(ctx context.Context, cityID int64) (fleet.City, error) {
	city, err := scanCity(tx.q.QueryRow(ctx,
		`SELECT `+cityColumns+` FROM cities WHERE id = $1 FOR UPDATE`, cityID))
	if err != nil {
		return fleet.City{}, mapErr(fmt.Sprintf("lock city %d", cityID), err)
	}
	return city, nil
}

func (tx *pgTx) InsertAreas(ctx context.Context, cityID int64, areas []fleet.AreaSeed) error {
	if len(areas) == 0 {
		return nil
	}
	q := tx.builder.Insert("areas").Columns("city_id", "name").
		Suffix("ON CONFLICT (city_id, name) DO NOTHING")
	for _, a := range areas {
		q = q.Values(cityID, a.Name)
	}
	return tx.execInsert(ctx, q, fmt.Sprintf("insert areas of city %d", cityID))
}

func (tx *pgTx) MarkCityPopulated(ctx context.Context, cityID int64, at time.Time) (int, error) {
	var count int
	err := tx.q.QueryRow(ctx, `
UPDATE cities
SET areas_populated = TRUE, populated_at = $2,
	areas_count = (SELECT count(*) FROM areas WHERE city_id = $1)
WHERE id = $1
RETURNING areas_count`, cityID, at).Scan(&count)
	if err != nil {
		return 0, mapErr(fmt.Sprintf("mark city %d populated", cityID), err)
	}
	return count, nil
}

func (tx *pgTx) execInsert(ctx context.Context, q sq.InsertBuilder, op string) error {
	sqlText, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	if _, err := tx.q.Exec(ctx, sqlText, args...); err != nil {
		return mapErr(op, err)
	}
	return nil
}
