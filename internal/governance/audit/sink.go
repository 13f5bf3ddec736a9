package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptlab/gatekeeper/internal/governance/usage"
	inats "github.com/promptlab/gatekeeper/internal/nats"
)

// publishTimeout bounds how long a request waits on the event bus.
const publishTimeout = 2 * time.Second

// DirectSink writes violations straight to the repository. It is used when
// NATS is not configured; usage events have no consumer and are dropped.
type DirectSink struct {
	repo Repository
}

// NewDirectSink creates a DirectSink.
func NewDirectSink(repo Repository) *DirectSink {
	return &DirectSink{repo: repo}
}

func (s *DirectSink) AdmissionDenied(ctx context.Context, v Violation) {
	stamp(&v)
	if err := s.repo.Insert(context.WithoutCancel(ctx), &v); err != nil {
		slog.Warn("recording violation failed", "stage", v.Stage, "reason", v.Reason, "error", err)
	}
}

func (s *DirectSink) UsageRecorded(context.Context, usage.Entry, *usage.Record) {}

// NATSSink publishes violations and usage to JetStream. Violations reach the
// database through Consumer.
type NATSSink struct {
	pub *inats.Publisher
}

// NewNATSSink creates a NATSSink.
func NewNATSSink(pub *inats.Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

func (s *NATSSink) AdmissionDenied(ctx context.Context, v Violation) {
	stamp(&v)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.pub.PublishAdmissionDenied(ctx, violationToEvent(v)); err != nil {
		slog.Warn("publishing violation failed", "stage", v.Stage, "reason", v.Reason, "error", err)
	}
}

func (s *NATSSink) UsageRecorded(ctx context.Context, e usage.Entry, rec *usage.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := inats.UsageRecordedEvent{
		UserID:       e.UserID,
		TeamID:       e.TeamID,
		Model:        e.Model,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		Cost:         e.Cost,
		Timestamp:    time.Now().UTC(),
	}
	if rec != nil {
		event.UsageDate = rec.Date
	}
	if err := s.pub.PublishUsageRecorded(ctx, event); err != nil {
		slog.Warn("publishing usage event failed", "user_id", e.UserID, "error", err)
	}
}

func stamp(v *Violation) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
}
