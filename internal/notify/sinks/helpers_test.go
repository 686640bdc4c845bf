package sinks

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/notify"
)

var testWorker = uuid.MustParse("6c0f6c1e-4b88-4a5e-9d55-3a3b2f0e9a10")

func completedEvent(jobID int64) notify.Event {
	return notify.Event{
		ID:        "evt-" + time.Unix(jobID, 0).UTC().Format("150405"),
		EmittedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Outcome: fleet.Outcome{
			JobID:                 jobID,
			AreaID:                7,
			WorkerID:              testWorker,
			Keyword:               "plumber",
			Status:                fleet.JobCompleted,
			BusinessesFound:       12,
			ProcessingTimeSeconds: 42,
			CompletedAt:           time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC),
		},
	}
}

func failedEvent(jobID int64) notify.Event {
	evt := completedEvent(jobID)
	evt.Outcome.Status = fleet.JobFailed
	evt.Outcome.BusinessesFound = 0
	evt.Outcome.ErrorMessage = "captcha wall"
	return evt
}
