package triage

import (
	"context"
	"time"

	"github.com/linnemanlabs/warden/internal/severity"
)

// TransitionEvent describes one committed state transition.
type TransitionEvent struct {
	RecordID  string        `json:"record_id"`
	Seq       uint64        `json:"seq"`
	AlertID   string        `json:"alert_id"`
	Source    string        `json:"source,omitempty"`
	Severity  severity.Tier `json:"severity"`
	From      Status        `json:"from"`
	To        Status        `json:"to"`
	Outcome   Outcome       `json:"outcome"`
	Reason    Reason        `json:"reason"`
	DecidedAt time.Time     `json:"decided_at"`
}

func eventFromRecord(rec DecisionRecord) TransitionEvent {
	return TransitionEvent{
		RecordID:  rec.ID,
		Seq:       rec.Seq,
		AlertID:   rec.AlertID,
		Source:    rec.Source,
		Severity:  rec.Severity,
		From:      rec.From,
		To:        rec.To,
		Outcome:   rec.Outcome,
		Reason:    rec.Reason,
		DecidedAt: rec.DecidedAt,
	}
}

// EventSink receives every committed transition after it is durable. Sinks
// must not block for long; errors are logged and never affect the decision.
type EventSink interface {
	Publish(ctx context.Context, ev TransitionEvent) error
}

// Notifier is told about alerts that now need a human reviewer.
type Notifier interface {
	NotifyReview(ctx context.Context, ev TransitionEvent) error
}
