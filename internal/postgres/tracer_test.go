package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/warden/internal/triage/pgstore.(*Store).Append", "pgstore.(*Store).Append"},
		{"no slashes", "pgstore.(*Store).Latest", "pgstore.(*Store).Latest"},
		{"empty string", "", ""},
		{"trailing slash", "weird/", "weird/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOperationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag, sql, want string
	}{
		{"INSERT 0 1", "insert into x", "INSERT"},
		{"", "  select 1", "SELECT"},
		{"", "", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := operationName(tt.tag, tt.sql); got != tt.want {
			t.Errorf("operationName(%q, %q) = %q, want %q", tt.tag, tt.sql, got, tt.want)
		}
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	got := compactSQL("SELECT a,\n\t\tb  FROM t\n WHERE x = $1")
	if want := "SELECT a, b FROM t WHERE x = $1"; got != want {
		t.Errorf("compactSQL = %q, want %q", got, want)
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingObserver) ObserveQuery(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op+":"+outcome)
}

func TestQueryTracer_ObservesEveryQuery(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	tr := newQueryTracer(nil, Options{Observer: obs, SlowQuery: time.Hour})
	base := log.WithContext(context.Background(), log.Nop())

	ctx := tr.TraceQueryStart(base, nil, pgx.TraceQueryStartData{SQL: "SELECT 1", Args: []any{"tok-secret"}})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	ctx = tr.TraceQueryStart(base, nil, pgx.TraceQueryStartData{SQL: "INSERT INTO t VALUES ($1)"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "23505"}})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{"SELECT:ok", "INSERT:error"}
	if len(obs.ops) != len(want) {
		t.Fatalf("observed %v, want %v", obs.ops, want)
	}
	for i := range want {
		if obs.ops[i] != want[i] {
			t.Errorf("observed[%d] = %q, want %q", i, obs.ops[i], want[i])
		}
	}
}

func TestQueryTracer_EndWithoutStart(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	tr := newQueryTracer(nil, Options{Observer: obs})
	tr.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{Err: errors.New("boom")})
	if len(obs.ops) != 0 {
		t.Errorf("observed %v for unmatched end", obs.ops)
	}
}

func TestQueryTracer_CapturesCaller(t *testing.T) {
	t.Parallel()

	tr := newQueryTracer(nil, Options{})
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	qs, ok := ctx.Value(queryStartKey{}).(*queryStart)
	if !ok {
		t.Fatal("query start not stashed in context")
	}
	if qs.nargs != 0 || qs.sql != "SELECT 1" {
		t.Errorf("queryStart = %+v", qs)
	}
}

func TestQueryMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewQueryMetrics(reg)
	m.ObserveQuery("INSERT", "ok", 3*time.Millisecond)
	m.ObserveQuery("SELECT", "error", time.Millisecond)

	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Errorf("series = %d, want 2", n)
	}
}

func TestQueryObserverFunc(t *testing.T) {
	t.Parallel()

	var got string
	var o QueryObserver = QueryObserverFunc(func(op, outcome string, _ time.Duration) { got = op + "/" + outcome })
	o.ObserveQuery("SELECT", "ok", 0)
	if got != "SELECT/ok" {
		t.Errorf("got %q", got)
	}
}
