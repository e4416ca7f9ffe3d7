package triage

import (
	"context"
	"iter"
)

// DecisionLog is the append-only, durable audit trail. Implementations must
// make a record durable before returning its Ack, reject appends whose From is
// not the alert's current state with ErrConflict, and report backend failures
// wrapped in ErrStorageUnavailable.
type DecisionLog interface {
	Append(ctx context.Context, rec DecisionRecord) (Ack, error)

	// ReadAll yields every record in Seq order. Each range re-reads the store.
	ReadAll(ctx context.Context) iter.Seq2[DecisionRecord, error]

	// ReadByAlert yields one alert's records in Seq order.
	ReadByAlert(ctx context.Context, alertID string) iter.Seq2[DecisionRecord, error]

	// Latest returns the alert's most recent record.
	Latest(ctx context.Context, alertID string) (DecisionRecord, bool, error)
}

// StateCache is the fast, rebuildable view of each alert's latest state.
// Put never fails and ignores entries older (by Seq) than what is stored.
type StateCache interface {
	Put(alertID string, e CacheEntry)
	Get(alertID string) (CacheEntry, bool)
}

// CurrentStatus returns the status implied by the latest record, or StatusNew.
func CurrentStatus(rec DecisionRecord, found bool) Status {
	if !found {
		return StatusNew
	}
	return rec.To
}
