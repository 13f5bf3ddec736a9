package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Redelivery bounds for durable consumers. A message that keeps failing is
// dropped after maxDeliver attempts instead of blocking the stream.
const (
	maxDeliver = 5
	ackWait    = 30 * time.Second
	fetchBatch = 10
)

// ConsumerManager handles durable consumer creation and the fetch loop.
type ConsumerManager struct {
	js jetstream.JetStream
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", name, stream, err)
	}
	return consumer, nil
}

// Run ensures the named consumer and passes every fetched message to handle
// until ctx is cancelled. handle owns acknowledgement.
func (cm *ConsumerManager) Run(ctx context.Context, stream, name, filterSubject string, handle func(context.Context, jetstream.Msg)) error {
	consumer, err := cm.EnsureConsumer(ctx, stream, name, filterSubject)
	if err != nil {
		return err
	}

	slog.Info("consumer started", "consumer", name, "subject", filterSubject)

	for {
		msgs, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("fetching messages", "consumer", name, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			handle(ctx, msg)
		}

		if ctx.Err() != nil {
			slog.Info("consumer stopped", "consumer", name)
			return nil
		}
	}
}
