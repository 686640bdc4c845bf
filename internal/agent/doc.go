// Package agent is the worker process. It registers presence with the
// coordination server, runs a fixed number of poll loops that claim jobs and
// hand them to the scraper, and reports each outcome back. Empty polls back
// off exponentially with jitter; assign calls are rate limited across loops.
package agent
