package pgstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/triage"
	"github.com/linnemanlabs/warden/internal/triage/logtest"
	"github.com/linnemanlabs/warden/internal/triage/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.Options{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestConformance(t *testing.T) {
	logtest.Run(t, "pg", func(t *testing.T) triage.DecisionLog { return openStore(t) })
}

func TestSchemaIsIdempotent(t *testing.T) {
	first := openStore(t)
	second := openStore(t)

	rec := logtest.Record("schema-twice", triage.StatusNew, triage.StatusAutoClosed)
	rec.AlertID = "schema-twice-" + rec.ID
	if _, err := first.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, found, err := second.Latest(context.Background(), rec.AlertID); err != nil || !found {
		t.Errorf("Latest via second store: found %v, err %v", found, err)
	}
}

func TestRecordsAreAppendOnly(t *testing.T) {
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	s := openStore(t)
	ctx := context.Background()

	rec := logtest.Record("append-only", triage.StatusNew, triage.StatusPendingReview)
	rec.AlertID = "append-only-" + rec.ID
	if _, err := s.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	pool, err := postgres.NewPool(ctx, dsn, postgres.Options{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `UPDATE decision_records SET reason = 'TAMPERED' WHERE id = $1`, rec.ID); err == nil {
		t.Error("UPDATE on decision_records succeeded, want trigger rejection")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM decision_records WHERE id = $1`, rec.ID); err == nil {
		t.Error("DELETE on decision_records succeeded, want trigger rejection")
	}

	latest, found, err := s.Latest(ctx, rec.AlertID)
	if err != nil || !found {
		t.Fatalf("Latest: found %v, err %v", found, err)
	}
	if latest.Reason != rec.Reason {
		t.Errorf("Reason = %s after tamper attempt, want %s", latest.Reason, rec.Reason)
	}
}
