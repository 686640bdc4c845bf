package fleet

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used to key archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// GeoSource is the external geography-data collaborator.
type GeoSource interface {
	Cities(ctx context.Context, country Country) ([]CitySeed, error)
	Areas(ctx context.Context, country Country, city City) ([]AreaSeed, error)
}

// Scraper is the browser-automation collaborator invoked by worker processes.
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) ([]BusinessRecord, error)
}

// Notifier receives terminal job transitions. Delivery is fire-and-forget:
// the job state is durable before Notify is called.
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, outcome Outcome)

// Notify calls f(ctx, outcome).
func (f NotifierFunc) Notify(ctx context.Context, outcome Outcome) {
	f(ctx, outcome)
}
