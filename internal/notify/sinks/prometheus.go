package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/notify"
)

// PrometheusSink exports outcome metrics. It owns collectors for finished
// jobs, processing time and businesses found per job.
type PrometheusSink struct {
	outcomes       *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
	businesses     prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapefleet_job_outcomes_total",
			Help: "Terminal job outcomes partitioned by status.",
		}, []string{"status"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapefleet_job_processing_seconds",
			Help:    "Seconds between assignment and terminal report.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		businesses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapefleet_job_businesses_found",
			Help:    "Businesses stored per completed job.",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100, 200},
		}),
	}
	for _, collector := range []prometheus.Collector{s.outcomes, s.processingTime, s.businesses} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register outcome collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		o := evt.Outcome
		status := string(o.Status)
		s.outcomes.WithLabelValues(status).Inc()
		if o.ProcessingTimeSeconds > 0 {
			s.processingTime.WithLabelValues(status).Observe(float64(o.ProcessingTimeSeconds))
		}
		if o.Status == fleet.JobCompleted {
			s.businesses.Observe(float64(o.BusinessesFound))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
