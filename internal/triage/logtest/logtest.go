// Package logtest is a conformance suite for triage.DecisionLog implementations.
package logtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Factory returns an empty DecisionLog. Each call must be isolated from the others.
type Factory func(t *testing.T) triage.DecisionLog

// Record builds a valid record for alertID moving from -> to.
func Record(alertID string, from, to triage.Status) triage.DecisionRecord {
	score := 8.5
	return triage.DecisionRecord{
		ID:                ulid.Make().String(),
		AlertID:           alertID,
		Severity:          severity.TierHigh,
		Score:             &score,
		Source:            "edr",
		Action:            triage.ActionRouteToReview,
		Outcome:           triage.OutcomeManualReviewRequired,
		From:              from,
		To:                to,
		RequiredClearance: 5,
		Reason:            triage.ReasonMissingToken,
		DecidedAt:         time.Now().UTC().Truncate(time.Microsecond),
	}
}

// Run exercises the DecisionLog contract against logs produced by newLog.
// Alert ids are prefixed with prefix so shared backends don't collide.
func Run(t *testing.T, prefix string, newLog Factory) {
	t.Helper()
	id := func(name string) string { return fmt.Sprintf("%s-%s-%d", prefix, name, time.Now().UnixNano()) }

	t.Run("AppendAssignsIncreasingSeq", func(t *testing.T) {
		dl := newLog(t)
		ctx := context.Background()
		var last uint64
		for i := range 3 {
			ack, err := dl.Append(ctx, Record(id(fmt.Sprintf("seq%d", i)), triage.StatusNew, triage.StatusPendingReview))
			if err != nil {
				t.Fatalf("Append %d: %v", i, err)
			}
			if ack.Seq <= last {
				t.Errorf("Seq %d not greater than previous %d", ack.Seq, last)
			}
			if ack.CommittedAt.IsZero() {
				t.Error("CommittedAt is zero")
			}
			last = ack.Seq
		}
	})

	t.Run("RoundTripFields", func(t *testing.T) {
		dl := newLog(t)
		ctx := context.Background()
		a := id("fields")

		first := Record(a, triage.StatusNew, triage.StatusPendingReview)
		tok := "tok-junior"
		level := 3
		first.TokenID = &tok
		first.Clearance = &level
		first.Reason = triage.ReasonInsufficientClearance
		if _, err := dl.Append(ctx, first); err != nil {
			t.Fatalf("Append: %v", err)
		}

		second := Record(a, triage.StatusPendingReview, triage.StatusDismissed)
		second.Score = nil
		second.Action, second.Outcome, second.Reason = triage.ActionClose, triage.OutcomeDenied, triage.ReasonReviewDenied
		if _, err := dl.Append(ctx, second); err != nil {
			t.Fatalf("Append: %v", err)
		}

		recs := collect(t, dl.ReadByAlert(ctx, a))
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		assertSame(t, recs[0], first)
		assertSame(t, recs[1], second)
		if recs[0].TokenID == nil || *recs[0].TokenID != tok {
			t.Errorf("TokenID = %v, want %q", recs[0].TokenID, tok)
		}
		if recs[0].Clearance == nil || *recs[0].Clearance != level {
			t.Errorf("Clearance = %v, want %d", recs[0].Clearance, level)
		}
		if recs[1].TokenID != nil || recs[1].Clearance != nil || recs[1].Score != nil {
			t.Errorf("nullable fields not preserved as null: %+v", recs[1])
		}
	})

	t.Run("ConflictOnStaleFrom", func(t *testing.T) {
		dl := newLog(t)
		ctx := context.Background()
		a := id("conflict")

		if _, err := dl.Append(ctx, Record(a, triage.StatusPendingReview, triage.StatusEscalated)); !errors.Is(err, triage.ErrConflict) {
			t.Fatalf("append from PENDING_REVIEW on new alert: err = %v, want ErrConflict", err)
		}
		if _, err := dl.Append(ctx, Record(a, triage.StatusNew, triage.StatusAutoClosed)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if _, err := dl.Append(ctx, Record(a, triage.StatusNew, triage.StatusAutoEscalated)); !errors.Is(err, triage.ErrConflict) {
			t.Fatalf("second append from NEW: err = %v, want ErrConflict", err)
		}
		if recs := collect(t, dl.ReadByAlert(ctx, a)); len(recs) != 1 {
			t.Errorf("got %d records after conflicts, want 1", len(recs))
		}
	})

	t.Run("ConcurrentFirstAppend", func(t *testing.T) {
		dl := newLog(t)
		ctx := context.Background()
		a := id("race")

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = dl.Append(ctx, Record(a, triage.StatusNew, triage.StatusPendingReview))
			}()
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, triage.ErrConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if ok != 1 {
			t.Errorf("%d appends from NEW succeeded, want exactly 1", ok)
		}
	})

	t.Run("LatestAndOrder", func(t *testing.T) {
		dl := newLog(t)
		ctx := context.Background()
		a, b := id("order-a"), id("order-b")

		if _, found, err := dl.Latest(ctx, a); err != nil || found {
			t.Fatalf("Latest on empty = found %v, err %v", found, err)
		}

		mustAppend(t, dl, Record(a, triage.StatusNew, triage.StatusPendingReview))
		mustAppend(t, dl, Record(b, triage.StatusNew, triage.StatusAutoClosed))
		mustAppend(t, dl, Record(a, triage.StatusPendingReview, triage.StatusEscalated))

		latest, found, err := dl.Latest(ctx, a)
		if err != nil || !found {
			t.Fatalf("Latest = found %v, err %v", found, err)
		}
		if latest.To != triage.StatusEscalated {
			t.Errorf("Latest.To = %s, want ESCALATED", latest.To)
		}

		recs := collect(t, dl.ReadByAlert(ctx, a))
		if len(recs) != 2 || recs[0].To != triage.StatusPendingReview || recs[1].To != triage.StatusEscalated {
			t.Fatalf("ReadByAlert order wrong: %+v", recs)
		}
		if recs[0].Seq >= recs[1].Seq {
			t.Errorf("Seq not increasing: %d then %d", recs[0].Seq, recs[1].Seq)
		}
	})

	t.Run("ReadAllRestartable", func(t *testing.T) {
		dl := newLog(t)
		ctx := context.Background()
		a := id("all")
		mustAppend(t, dl, Record(a, triage.StatusNew, triage.StatusPendingReview))

		first := collect(t, dl.ReadAll(ctx))
		mustAppend(t, dl, Record(a, triage.StatusPendingReview, triage.StatusDismissed))
		second := collect(t, dl.ReadAll(ctx))

		if len(second) != len(first)+1 {
			t.Fatalf("second range saw %d records, want %d", len(second), len(first)+1)
		}
		for i := 1; i < len(second); i++ {
			if second[i-1].Seq >= second[i].Seq {
				t.Fatalf("ReadAll not in Seq order at %d", i)
			}
		}
	})

	t.Run("EarlyBreak", func(t *testing.T) {
		dl := newLog(t)
		ctx := context.Background()
		for i := range 3 {
			mustAppend(t, dl, Record(id(fmt.Sprintf("brk%d", i)), triage.StatusNew, triage.StatusAutoClosed))
		}
		n := 0
		for _, err := range dl.ReadAll(ctx) {
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			n++
			break
		}
		if n != 1 {
			t.Errorf("iterated %d records after break, want 1", n)
		}
	})

	t.Run("CancelledContextWritesNothing", func(t *testing.T) {
		dl := newLog(t)
		a := id("cancel")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := dl.Append(ctx, Record(a, triage.StatusNew, triage.StatusAutoClosed)); err == nil {
			t.Fatal("Append with cancelled context succeeded")
		}
		if _, found, err := dl.Latest(context.Background(), a); err != nil || found {
			t.Errorf("record written despite cancellation: found %v, err %v", found, err)
		}
	})
}

func mustAppend(t *testing.T, dl triage.DecisionLog, rec triage.DecisionRecord) triage.Ack {
	t.Helper()
	ack, err := dl.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("Append(%s %s->%s): %v", rec.AlertID, rec.From, rec.To, err)
	}
	return ack
}

func collect(t *testing.T, seq func(func(triage.DecisionRecord, error) bool)) []triage.DecisionRecord {
	t.Helper()
	var out []triage.DecisionRecord
	for rec, err := range seq {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func assertSame(t *testing.T, got, want triage.DecisionRecord) {
	t.Helper()
	if got.ID != want.ID || got.AlertID != want.AlertID || got.Severity != want.Severity ||
		got.Source != want.Source || got.Action != want.Action || got.Outcome != want.Outcome ||
		got.From != want.From || got.To != want.To || got.RequiredClearance != want.RequiredClearance ||
		got.Reason != want.Reason {
		t.Errorf("record mismatch:\n got  %+v\n want %+v", got, want)
	}
	if !got.DecidedAt.Equal(want.DecidedAt) {
		t.Errorf("DecidedAt = %v, want %v", got.DecidedAt, want.DecidedAt)
	}
	if (got.Score == nil) != (want.Score == nil) || (got.Score != nil && *got.Score != *want.Score) {
		t.Errorf("Score = %v, want %v", got.Score, want.Score)
	}
	if got.Seq == 0 {
		t.Error("Seq not assigned")
	}
}
