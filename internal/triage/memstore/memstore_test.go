package memstore

import (
	"context"
	"testing"

	"github.com/linnemanlabs/warden/internal/triage"
	"github.com/linnemanlabs/warden/internal/triage/logtest"
)

func TestStore_Conformance(t *testing.T) {
	t.Parallel()
	logtest.Run(t, "mem", func(*testing.T) triage.DecisionLog { return New() })
}

func TestStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.Append(ctx, logtest.Record("a1", triage.StatusNew, triage.StatusPendingReview)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// appending mid-iteration must not affect the running range
	n := 0
	for _, err := range s.ReadAll(ctx) {
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		n++
		if _, err := s.Append(ctx, logtest.Record("a2", triage.StatusNew, triage.StatusAutoClosed)); err != nil {
			t.Fatalf("Append during range: %v", err)
		}
	}
	if n != 1 {
		t.Errorf("range saw %d records, want 1", n)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestStore_ReadByAlertCancelled(t *testing.T) {
	t.Parallel()

	s := New()
	if _, err := s.Append(context.Background(), logtest.Record("a1", triage.StatusNew, triage.StatusPendingReview)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, err := range s.ReadByAlert(ctx, "a1") {
		if err == nil {
			t.Fatal("expected cancellation error")
		}
		return
	}
	t.Fatal("iterator yielded nothing")
}
