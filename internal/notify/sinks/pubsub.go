package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/scrapefleet/internal/notify"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// PubSubSink publishes each outcome payload to a Pub/Sub topic. Messages
// carry job_id, status and event_id attributes plus trace propagation headers.
type PubSubSink struct {
	publish publishFunc
	stop    func()
}

// NewPubSubSink wraps a topic publisher. Close flushes and stops it.
func NewPubSubSink(publisher *pubsub.Publisher) (*PubSubSink, error) {
	if publisher == nil {
		return nil, errors.New("pubsub publisher is not configured")
	}
	return &PubSubSink{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return publisher.Publish(ctx, msg).Get(ctx)
		},
		stop: publisher.Stop,
	}, nil
}

// Consume publishes each event and waits for the server acknowledgement.
func (s *PubSubSink) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.send(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *PubSubSink) send(ctx context.Context, evt notify.Event) (string, error) {
	data, err := json.Marshal(notify.PayloadOf(evt))
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id":   strconv.FormatInt(evt.Outcome.JobID, 10),
			"status":   string(evt.Outcome.Status),
			"event_id": evt.ID,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := s.publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish job %d: %w", evt.Outcome.JobID, err)
	}
	return id, nil
}

// Close stops the underlying publisher, flushing buffered messages.
func (s *PubSubSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
