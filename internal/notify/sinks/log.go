package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/notify"
)

// LogSink emits one structured log line per terminal outcome.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		o := evt.Outcome
		fields := []zap.Field{
			zap.String("event_id", evt.ID),
			zap.Int64("job_id", o.JobID),
			zap.Int64("area_id", o.AreaID),
			zap.String("status", string(o.Status)),
			zap.String("keyword", o.Keyword),
			zap.Int("businesses_found", o.BusinessesFound),
			zap.Int64("processing_time", o.ProcessingTimeSeconds),
			zap.Stringer("admin_id", o.WorkerID),
		}
		if o.ErrorMessage != "" {
			fields = append(fields, zap.String("error_message", o.ErrorMessage))
		}
		s.logger.Info("job outcome", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
