package sinks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrapefleet/internal/notify"
)

func TestLogSinkWritesOutcome(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), []notify.Event{failedEvent(4)}))
	entries := logs.FilterMessage("job outcome").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, int64(4), fields["job_id"])
	require.Equal(t, "failed", fields["status"])
	require.Equal(t, "captcha wall", fields["error_message"])
}
