package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/promptlab/gatekeeper/internal/metrics"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishAdmissionDenied publishes a rejected admission for the audit trail.
// The event id doubles as the JetStream message id, so a retried publish is
// stored once.
func (p *Publisher) PublishAdmissionDenied(ctx context.Context, event AdmissionDeniedEvent) error {
	var opts []jetstream.PublishOpt
	if event.ID != "" {
		opts = append(opts, jetstream.WithMsgID(event.ID))
	}
	return p.publish(ctx, SubjectAdmissionDenied, event, opts...)
}

// PublishUsageRecorded publishes a ledger append.
func (p *Publisher) PublishUsageRecorded(ctx context.Context, event UsageRecordedEvent) error {
	return p.publish(ctx, SubjectUsageRecorded, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any, opts ...jetstream.PublishOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload, opts...)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(subject, "ok").Inc()
	return nil
}
