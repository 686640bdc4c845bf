// Package sinks contains notify.Sink implementations: an HTTP webhook, a
// Google Cloud Pub/Sub publisher, a zap log sink and Prometheus collectors.
package sinks
