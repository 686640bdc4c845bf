package fleet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Country is the root of the geography tree.
type Country struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	ISOCode         string     `json:"iso_code"`
	CitiesPopulated bool       `json:"cities_populated"`
	CitiesCount     int        `json:"cities_count"`
	PopulatedAt     *time.Time `json:"populated_at,omitempty"`
}

// City belongs to exactly one Country.
type City struct {
	ID             int64      `json:"id"`
	CountryID      int64      `json:"country_id"`
	Name           string     `json:"name"`
	Code           string     `json:"code,omitempty"`
	AreasPopulated bool       `json:"areas_populated"`
	AreasCount     int        `json:"areas_count"`
	PopulatedAt    *time.Time `json:"populated_at,omitempty"`
}

// Area is the leaf of the geography tree and the scope of a scrape job.
type Area struct {
	ID            int64      `json:"id"`
	CityID        int64      `json:"city_id"`
	Name          string     `json:"name"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
}

// AreaPath is an area together with its ancestors.
type AreaPath struct {
	Area    Area    `json:"area"`
	City    City    `json:"city"`
	Country Country `json:"country"`
}

// Description renders the path as "area, city, country".
func (p AreaPath) Description() string {
	parts := make([]string, 0, 3)
	for _, name := range []string{p.Area.Name, p.City.Name, p.Country.Name} {
		if name = strings.TrimSpace(name); name != "" {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ", ")
}

// CitySeed is a city as reported by the geography collaborator.
type CitySeed struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// AreaSeed is an area as reported by the geography collaborator.
type AreaSeed struct {
	Name string `json:"name"`
}

// Admin is a registered scraping worker.
type Admin struct {
	ID                uuid.UUID       `json:"id"`
	Email             string          `json:"email"`
	Status            AdminStatus     `json:"status"`
	Keywords          KeywordAffinity `json:"supported_keywords"`
	MaxConcurrentJobs int             `json:"max_concurrent_jobs"`
	LastSeenAt        *time.Time      `json:"last_seen_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Validate checks the registration invariants.
func (a Admin) Validate() error {
	switch {
	case a.ID == uuid.Nil:
		return fmt.Errorf("%w: admin id is required", ErrValidation)
	case !strings.Contains(a.Email, "@"):
		return fmt.Errorf("%w: admin email %q is invalid", ErrValidation, a.Email)
	case !a.Status.Valid():
		return fmt.Errorf("%w: admin status %q is invalid", ErrValidation, a.Status)
	case a.MaxConcurrentJobs <= 0:
		return fmt.Errorf("%w: max_concurrent_jobs must be > 0", ErrValidation)
	}
	return nil
}

// LogEntry is one element of a job's append-only log.
type LogEntry struct {
	At       time.Time      `json:"at"`
	Event    string         `json:"event"`
	WorkerID *uuid.UUID     `json:"worker_id,omitempty"`
	Message  string         `json:"message,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Job log events.
const (
	LogCreated   = "created"
	LogAssigned  = "assigned"
	LogCompleted = "completed"
	LogFailed    = "failed"
	LogRequeued  = "requeued"
)

// ScrapeJob is one unit of work: one keyword searched in one area.
type ScrapeJob struct {
	ID                    int64      `json:"id"`
	AreaID                int64      `json:"area_id"`
	Keyword               string     `json:"keyword"`
	AssignedTo            *uuid.UUID `json:"assigned_to,omitempty"`
	Status                JobStatus  `json:"status"`
	Logs                  []LogEntry `json:"logs"`
	ErrorMessage          *string    `json:"error_message,omitempty"`
	BusinessesFound       int        `json:"businesses_found"`
	ProcessingTimeSeconds *int64     `json:"processing_time_seconds,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// OwnedBy reports whether the job is running on the given worker.
func (j ScrapeJob) OwnedBy(workerID uuid.UUID) bool {
	return j.Status == JobRunning && j.AssignedTo != nil && *j.AssignedTo == workerID
}

// Business is a result row produced by a completed job.
type Business struct {
	ID          int64           `json:"id"`
	JobID       int64           `json:"job_id"`
	AreaID      int64           `json:"area_id"`
	Name        string          `json:"name"`
	Address     string          `json:"address,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Website     string          `json:"website,omitempty"`
	Category    string          `json:"category,omitempty"`
	Rating      *float64        `json:"rating,omitempty"`
	ReviewCount *int            `json:"review_count,omitempty"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Raw         json.RawMessage `json:"raw_info,omitempty"`
	Status      BusinessStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BusinessRecord is a raw record as returned by the scraper. Raw retains the
// record's original JSON when it was decoded from a payload.
type BusinessRecord struct {
	Name        string          `json:"name"`
	Address     string          `json:"address,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Website     string          `json:"website,omitempty"`
	Category    string          `json:"category,omitempty"`
	Rating      *float64        `json:"rating,omitempty"`
	ReviewCount *int            `json:"review_count,omitempty"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the full document in Raw.
func (r *BusinessRecord) UnmarshalJSON(data []byte) error {
	type plain BusinessRecord
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = BusinessRecord(decoded)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Outcome describes a terminal transition handed to the Notifier.
type Outcome struct {
	JobID                 int64     `json:"job_id"`
	AreaID                int64     `json:"area_id"`
	WorkerID              uuid.UUID `json:"admin_id"`
	Keyword               string    `json:"keyword"`
	Status                JobStatus `json:"status"`
	BusinessesFound       int       `json:"businesses_found"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	ProcessingTimeSeconds int64     `json:"processing_time_seconds"`
	CompletedAt           time.Time `json:"completed_at"`
}

// ScrapeRequest is what a worker hands to the browser-automation scraper.
type ScrapeRequest struct {
	JobID      int64
	Keyword    string
	Area       AreaPath
	MaxResults int
}

// Query renders the search phrase, e.g. "cafes in Soho, London, United Kingdom".
func (r ScrapeRequest) Query() string {
	desc := r.Area.Description()
	if desc == "" {
		return r.Keyword
	}
	return r.Keyword + " in " + desc
}
