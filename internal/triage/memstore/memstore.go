// Package memstore provides an in-memory implementation of triage.DecisionLog.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/triage"
)

// Store holds decision records in memory. Suitable for dev/testing; records
// do not survive a restart.
type Store struct {
	mu      sync.RWMutex
	records []triage.DecisionRecord // in Seq order
	byAlert map[string][]int        // alert ID -> indexes into records
	seq     uint64
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{byAlert: make(map[string][]int)}
}

// Append commits rec if its From matches the alert's current state.
func (s *Store) Append(ctx context.Context, rec triage.DecisionRecord) (triage.Ack, error) {
	if err := ctx.Err(); err != nil {
		return triage.Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := triage.StatusNew
	if idx := s.byAlert[rec.AlertID]; len(idx) > 0 {
		current = s.records[idx[len(idx)-1]].To
	}
	if rec.From != current {
		return triage.Ack{}, fmt.Errorf("%w: alert %s is %s, append expects %s", triage.ErrConflict, rec.AlertID, current, rec.From)
	}

	s.seq++
	rec.Seq = s.seq
	s.byAlert[rec.AlertID] = append(s.byAlert[rec.AlertID], len(s.records))
	s.records = append(s.records, rec)

	return triage.Ack{Seq: rec.Seq, CommittedAt: time.Now()}, nil
}

// ReadAll yields a snapshot of every record taken when the range starts.
func (s *Store) ReadAll(ctx context.Context) iter.Seq2[triage.DecisionRecord, error] {
	return func(yield func(triage.DecisionRecord, error) bool) {
		s.mu.RLock()
		snap := slices.Clone(s.records)
		s.mu.RUnlock()
		emit(ctx, snap, yield)
	}
}

// ReadByAlert yields a snapshot of one alert's records.
func (s *Store) ReadByAlert(ctx context.Context, alertID string) iter.Seq2[triage.DecisionRecord, error] {
	return func(yield func(triage.DecisionRecord, error) bool) {
		s.mu.RLock()
		idx := s.byAlert[alertID]
		snap := make([]triage.DecisionRecord, len(idx))
		for i, j := range idx {
			snap[i] = s.records[j]
		}
		s.mu.RUnlock()
		emit(ctx, snap, yield)
	}
}

// Latest returns the alert's most recent record.
func (s *Store) Latest(ctx context.Context, alertID string) (triage.DecisionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return triage.DecisionRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byAlert[alertID]
	if len(idx) == 0 {
		return triage.DecisionRecord{}, false, nil
	}
	return s.records[idx[len(idx)-1]], true, nil
}

// Len returns the number of committed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func emit(ctx context.Context, recs []triage.DecisionRecord, yield func(triage.DecisionRecord, error) bool) {
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			yield(triage.DecisionRecord{}, err)
			return
		}
		if !yield(r, nil) {
			return
		}
	}
}
