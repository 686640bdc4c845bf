// Package notify delivers terminal job outcomes to external systems.
//
// The Hub implements fleet.Notifier. Notify never fails the caller: the job
// state is already durable when it is called. Events are buffered, batched
// and fanned out to sinks (webhook, Pub/Sub, logs, Prometheus). Delivery is
// at-least-once, so receivers key on job_id.
package notify
