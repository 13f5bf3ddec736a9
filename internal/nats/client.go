package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/promptlab/gatekeeper/internal/config"
	"github.com/promptlab/gatekeeper/internal/metrics"
)

// Client wraps a NATS connection with JetStream support.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient connects to NATS and ensures required JetStream streams exist.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	c := &Client{conn: nc, js: js}

	if err := c.ensureStreams(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring streams: %w", err)
	}

	slog.Info("connected to NATS", "url", cfg.URL)
	return c, nil
}

func (c *Client) ensureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       StreamEvents,
			Subjects:   []string{SubjectEvents},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
	}

	for _, cfg := range streams {
		_, err := c.js.CreateOrUpdateStream(ctx, cfg)
		if err != nil {
			return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
		}
		slog.Debug("ensured NATS stream", "name", cfg.Name)
	}
	return nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// PublishQuotaChanged broadcasts a quota change to every subscribed instance.
func (c *Client) PublishQuotaChanged(event QuotaChangedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling quota change: %w", err)
	}
	if err := c.conn.Publish(SubjectQuotaChanged, payload); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(SubjectQuotaChanged, "error").Inc()
		return fmt.Errorf("publishing to %s: %w", SubjectQuotaChanged, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(SubjectQuotaChanged, "ok").Inc()
	return nil
}

// SubscribeQuotaChanged calls handle for every quota change broadcast until
// the returned subscription is drained.
func (c *Client) SubscribeQuotaChanged(handle func(QuotaChangedEvent)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(SubjectQuotaChanged, func(msg *nats.Msg) {
		var event QuotaChangedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("dropping malformed quota change", "error", err)
			return
		}
		handle(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", SubjectQuotaChanged, err)
	}
	return sub, nil
}

// Healthy returns true if NATS connection is active.
func (c *Client) Healthy() bool {
	return c.conn.IsConnected()
}

// Close drains and closes the NATS connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining NATS connection", "error", err)
	}
}
