package boltstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/linnemanlabs/warden/internal/triage"
	"github.com/linnemanlabs/warden/internal/triage/logtest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "decisions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	t.Parallel()
	logtest.Run(t, "bolt", func(t *testing.T) triage.DecisionLog { return openTemp(t) })
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "decisions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Append(ctx, logtest.Record("a1", triage.StatusNew, triage.StatusPendingReview)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	latest, found, err := s.Latest(ctx, "a1")
	if err != nil || !found {
		t.Fatalf("Latest after reopen: found %v, err %v", found, err)
	}
	if latest.To != triage.StatusPendingReview {
		t.Errorf("To = %s, want PENDING_REVIEW", latest.To)
	}

	ack, err := s.Append(ctx, logtest.Record("a2", triage.StatusNew, triage.StatusAutoClosed))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if ack.Seq != 2 {
		t.Errorf("Seq after reopen = %d, want 2", ack.Seq)
	}
}

func TestStore_ReadAllAcrossBatches(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	total := readBatch*2 + 7
	for i := range total {
		if _, err := s.Append(ctx, logtest.Record(fmt.Sprintf("a%d", i), triage.StatusNew, triage.StatusAutoClosed)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	var last uint64
	n := 0
	for rec, err := range s.ReadAll(ctx) {
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if rec.Seq <= last {
			t.Fatalf("Seq %d after %d", rec.Seq, last)
		}
		last = rec.Seq
		n++
	}
	if n != total {
		t.Errorf("ReadAll yielded %d, want %d", n, total)
	}
}

func TestStore_ReadByAlertAcrossBatches(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	// the alert's two records straddle a full batch of other alerts
	if _, err := s.Append(ctx, logtest.Record("a", triage.StatusNew, triage.StatusPendingReview)); err != nil {
		t.Fatal(err)
	}
	for i := range readBatch + 3 {
		if _, err := s.Append(ctx, logtest.Record(fmt.Sprintf("noise%d", i), triage.StatusNew, triage.StatusAutoClosed)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Append(ctx, logtest.Record("a", triage.StatusPendingReview, triage.StatusEscalated)); err != nil {
		t.Fatal(err)
	}

	var got []triage.Status
	for rec, err := range s.ReadByAlert(ctx, "a") {
		if err != nil {
			t.Fatalf("ReadByAlert: %v", err)
		}
		got = append(got, rec.To)
	}
	if len(got) != 2 || got[0] != triage.StatusPendingReview || got[1] != triage.StatusEscalated {
		t.Errorf("ReadByAlert = %v", got)
	}
}
