package notify

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

// Event is one terminal transition queued for delivery.
type Event struct {
	// ID is unique per emitted event; redeliveries of the same event share it.
	ID string
	// EmittedAt is the UTC time the hub accepted the event.
	EmittedAt time.Time
	// Outcome is the terminal transition being announced.
	Outcome fleet.Outcome
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.Outcome.JobID <= 0 {
		return errors.New("job id is required")
	}
	if !e.Outcome.Status.Terminal() {
		return errors.New("outcome status must be terminal")
	}
	return nil
}

// Payload is the JSON document sent to webhooks and Pub/Sub.
type Payload struct {
	JobID                 int64     `json:"job_id"`
	AreaID                int64     `json:"area_id"`
	Status                string    `json:"status"`
	BusinessesFound       int       `json:"businesses_found"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	Success               bool      `json:"success"`
	AdminID               string    `json:"admin_id,omitempty"`
	Keyword               string    `json:"keyword,omitempty"`
	ProcessingTimeSeconds int64     `json:"processing_time,omitempty"`
	CompletedAt           time.Time `json:"completed_at,omitzero"`
	EventID               string    `json:"event_id"`
}

// PayloadOf renders an event for external receivers.
func PayloadOf(evt Event) Payload {
	o := evt.Outcome
	p := Payload{
		JobID:                 o.JobID,
		AreaID:                o.AreaID,
		Status:                string(o.Status),
		BusinessesFound:       o.BusinessesFound,
		ErrorMessage:          o.ErrorMessage,
		Success:               o.Status == fleet.JobCompleted,
		Keyword:               o.Keyword,
		ProcessingTimeSeconds: o.ProcessingTimeSeconds,
		CompletedAt:           o.CompletedAt,
		EventID:               evt.ID,
	}
	if o.WorkerID != uuid.Nil {
		p.AdminID = o.WorkerID.String()
	}
	return p
}
