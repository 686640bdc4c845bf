// Package api hosts the HTTP server, middleware, and REST handlers for the
// coordination server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/workers/... for registration, heartbeats and job assignment.
//   - /v1/jobs/... for job creation, worker reports and operator requeue.
//   - /v1/geo/... for seeding and expanding the geography tree.
package api
