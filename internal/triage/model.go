package triage

import (
	"time"

	"github.com/linnemanlabs/warden/internal/severity"
)

// Status is an alert's position in the triage state machine.
type Status string

const (
	// StatusNew is the implicit state of an alert with no decision records.
	StatusNew Status = "NEW"

	// StatusClassified means a severity tier has been assigned.
	StatusClassified Status = "CLASSIFIED"

	// StatusAutoClosed means the tier was below the escalation threshold.
	StatusAutoClosed Status = "AUTO_CLOSED"

	// StatusAutoEscalated means the submitting agent had sufficient clearance.
	StatusAutoEscalated Status = "AUTO_ESCALATED"

	// StatusPendingReview means a human reviewer must decide.
	StatusPendingReview Status = "PENDING_REVIEW"

	// StatusEscalated means a reviewer approved a pending alert.
	StatusEscalated Status = "ESCALATED"

	// StatusDismissed means a reviewer denied a pending alert.
	StatusDismissed Status = "DISMISSED"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAutoClosed, StatusAutoEscalated, StatusEscalated, StatusDismissed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusClassified, StatusAutoClosed, StatusAutoEscalated,
		StatusPendingReview, StatusEscalated, StatusDismissed:
		return true
	}
	return false
}

// Outcome is the authorization result of a decision.
type Outcome string

const (
	OutcomeApproved             Outcome = "APPROVED"
	OutcomeDenied               Outcome = "DENIED"
	OutcomeManualReviewRequired Outcome = "MANUAL_REVIEW_REQUIRED"
)

// Action is what the decision does with the alert.
type Action string

const (
	ActionEscalate      Action = "ESCALATE"
	ActionRouteToReview Action = "ROUTE_TO_REVIEW"
	ActionAutoClose     Action = "AUTO_CLOSE"
	ActionClose         Action = "CLOSE"
)

// Reason explains why a decision went the way it did.
type Reason string

const (
	ReasonBelowThreshold        Reason = "BELOW_THRESHOLD"
	ReasonSufficientClearance   Reason = "SUFFICIENT_CLEARANCE"
	ReasonInsufficientClearance Reason = "INSUFFICIENT_CLEARANCE"
	ReasonMissingToken          Reason = "MISSING_TOKEN"
	ReasonReviewApproved        Reason = "REVIEW_APPROVED"
	ReasonReviewDenied          Reason = "REVIEW_DENIED"
)

// Verdict is a reviewer's answer for a pending alert.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// DecisionRecord is one immutable state transition for one alert. Its field
// set is the persisted schema.
type DecisionRecord struct {
	ID                string        `json:"id"`
	Seq               uint64        `json:"seq"`
	AlertID           string        `json:"alert_id"`
	Severity          severity.Tier `json:"severity"`
	Score             *float64      `json:"score,omitempty"`
	Source            string        `json:"source,omitempty"`
	Action            Action        `json:"action"`
	Outcome           Outcome       `json:"outcome"`
	From              Status        `json:"from_status"`
	To                Status        `json:"to_status"`
	TokenID           *string       `json:"token_id,omitempty"`
	Clearance         *int          `json:"clearance,omitempty"`
	RequiredClearance int           `json:"required_clearance"`
	Reason            Reason        `json:"reason"`
	DecidedAt         time.Time     `json:"decided_at"`
}

// Ack confirms a durable append. Seq is assigned by the log.
type Ack struct {
	Seq         uint64
	CommittedAt time.Time
}

// CacheEntry is the latest known state of one alert.
type CacheEntry struct {
	AlertID   string        `json:"alert_id"`
	Status    Status        `json:"status"`
	Outcome   Outcome       `json:"outcome"`
	Reason    Reason        `json:"reason"`
	Severity  severity.Tier `json:"severity"`
	Seq       uint64        `json:"seq"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Valid reports whether e can be cached. Both cache backends drop invalid
// entries so they agree on what a hit means.
func (e CacheEntry) Valid() bool {
	return e.AlertID != "" && e.Status.Valid() && e.Severity.Valid()
}

// EntryFromRecord derives the cache view of a committed record.
func EntryFromRecord(rec DecisionRecord) CacheEntry {
	return CacheEntry{
		AlertID:   rec.AlertID,
		Status:    rec.To,
		Outcome:   rec.Outcome,
		Reason:    rec.Reason,
		Severity:  rec.Severity,
		Seq:       rec.Seq,
		UpdatedAt: rec.DecidedAt,
	}
}

// Result is what Submit and Review return to the caller.
type Result struct {
	AlertID  string        `json:"alert_id"`
	Status   Status        `json:"status"`
	Outcome  Outcome       `json:"outcome"`
	Reason   Reason        `json:"reason"`
	Severity severity.Tier `json:"severity"`
	Seq      uint64        `json:"seq"`
	RecordID string        `json:"record_id"`
}

func resultFromRecord(rec DecisionRecord) *Result {
	return &Result{
		AlertID:  rec.AlertID,
		Status:   rec.To,
		Outcome:  rec.Outcome,
		Reason:   rec.Reason,
		Severity: rec.Severity,
		Seq:      rec.Seq,
		RecordID: rec.ID,
	}
}
