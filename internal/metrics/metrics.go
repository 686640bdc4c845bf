// Package metrics exposes Prometheus collectors for the scrape fleet.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Assignment results.
const (
	AssignAssigned    = "assigned"
	AssignNone        = "none"
	AssignNotEligible = "not_eligible"
	AssignError       = "error"
)

var (
	assignmentsTotal           *prometheus.CounterVec
	assignmentRetriesTotal     prometheus.Counter
	reportsTotal               *prometheus.CounterVec
	businessesStoredTotal      prometheus.Counter
	businessesDroppedTotal     *prometheus.CounterVec
	discoveryTotal             *prometheus.CounterVec
	staleJobs                  prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	agentActiveJobs            prometheus.Gauge
	agentPollDelaySeconds      prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		assignmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapefleet_assignments_total",
				Help: "TryAssign calls, labeled by result.",
			},
			[]string{"result"},
		)

		assignmentRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapefleet_assignment_cas_retries_total",
				Help: "Claims lost to a concurrent worker and retried.",
			},
		)

		reportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapefleet_reports_total",
				Help: "Completion and failure reports, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		businessesStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapefleet_businesses_stored_total",
				Help: "Business records persisted from completion payloads.",
			},
		)

		businessesDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapefleet_businesses_dropped_total",
				Help: "Business records dropped during validation, labeled by reason.",
			},
			[]string{"reason"},
		)

		discoveryTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapefleet_discovery_total",
				Help: "Geography population runs, labeled by level and result.",
			},
			[]string{"level", "result"},
		)

		staleJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapefleet_stale_jobs",
				Help: "Running jobs older than the staleness threshold at the last scan.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		agentActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapefleet_agent_active_jobs",
				Help: "Jobs currently executing in this agent process.",
			},
		)

		agentPollDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrapefleet_agent_poll_delay_seconds",
				Help:    "Back-off applied between empty polls.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAssignment counts one TryAssign outcome.
func ObserveAssignment(result string) {
	Init()
	assignmentsTotal.WithLabelValues(result).Inc()
}

// ObserveAssignmentRetry counts a lost compare-and-swap.
func ObserveAssignmentRetry() {
	Init()
	assignmentRetriesTotal.Inc()
}

// ObserveReport counts a lifecycle report; kind is "completion" or "failure".
func ObserveReport(kind, result string) {
	Init()
	reportsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveBusinesses records stored and dropped record counts.
func ObserveBusinesses(stored int, dropped map[string]int) {
	Init()
	businessesStoredTotal.Add(float64(stored))
	for reason, n := range dropped {
		businessesDroppedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveDiscovery counts a population run; level is "cities" or "areas".
func ObserveDiscovery(level, result string) {
	Init()
	discoveryTotal.WithLabelValues(level, result).Inc()
}

// SetStaleJobs publishes the result of the latest stale scan.
func SetStaleJobs(n int) {
	Init()
	staleJobs.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncAgentJobs increments the agent's active job gauge.
func IncAgentJobs() {
	Init()
	agentActiveJobs.Inc()
}

// DecAgentJobs decrements the agent's active job gauge.
func DecAgentJobs() {
	Init()
	agentActiveJobs.Dec()
}

// ObservePollDelay records the back-off applied after an empty poll.
func ObservePollDelay(d time.Duration) {
	Init()
	agentPollDelaySeconds.Observe(d.Seconds())
}
