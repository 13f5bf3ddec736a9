package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/promptlab/gatekeeper/internal/nats"
)

const consumerName = "violation-persister"

// Consumer listens on the admission-denied NATS subject and persists
// violations to the database.
type Consumer struct {
	repo        Repository
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new violation Consumer.
func NewConsumer(repo Repository, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start persists admission-denied events. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	return c.consumerMgr.Run(ctx, inats.StreamEvents, consumerName, inats.SubjectAdmissionDenied, c.handleEvent)
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event inats.AdmissionDeniedEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("violation consumer: unmarshaling event", "error", err)
		// Redelivery cannot fix a malformed payload.
		_ = msg.Term()
		return
	}

	v := eventToViolation(event)
	if err := c.repo.Insert(ctx, v); err != nil {
		slog.Error("violation consumer: persisting violation", "error", err, "stage", event.Stage)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("violation consumer: persisted event",
		"stage", event.Stage,
		"reason", event.Reason,
		"ip", event.IPAddress,
	)
}

// eventToViolation converts the wire event. An id that is not a UUID is
// replaced so the row can still be stored.
func eventToViolation(event inats.AdmissionDeniedEvent) *Violation {
	v := &Violation{
		UserID:    event.UserID,
		IPAddress: event.IPAddress,
		Stage:     event.Stage,
		Reason:    event.Reason,
		Detail:    event.Detail,
		CreatedAt: event.Timestamp,
	}
	if parsed, err := uuid.Parse(event.ID); err == nil {
		v.ID = parsed
	} else {
		v.ID = uuid.New()
	}
	return v
}

func violationToEvent(v Violation) inats.AdmissionDeniedEvent {
	return inats.AdmissionDeniedEvent{
		ID:        v.ID.String(),
		UserID:    v.UserID,
		IPAddress: v.IPAddress,
		Stage:     v.Stage,
		Reason:    v.Reason,
		Detail:    v.Detail,
		Timestamp: v.CreatedAt,
	}
}
