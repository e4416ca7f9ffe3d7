// Package pgstore provides a PostgreSQL implementation of triage.DecisionLog.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// pageSize bounds each keyset page fetched by the read iterators.
const pageSize = 500

const pgUniqueViolation = "23505"

// Store persists decision records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const recordColumns = `seq, id, alert_id, severity, score, source, action, outcome,
	from_status, to_status, token_id, clearance, required_clearance, reason, decided_at`

// Append inserts rec if its From matches the alert's latest to_status.
func (s *Store) Append(ctx context.Context, rec triage.DecisionRecord) (triage.Ack, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return triage.Ack{}, spanErr(span, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return triage.Ack{}, spanErr(span, classify(fmt.Errorf("begin tx: %w", err)))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	current := triage.StatusNew
	var latest string
	err = tx.QueryRow(ctx,
		`SELECT to_status FROM decision_records WHERE alert_id = $1 ORDER BY seq DESC LIMIT 1`,
		rec.AlertID,
	).Scan(&latest)
	switch {
	case err == nil:
		current = triage.Status(latest)
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return triage.Ack{}, spanErr(span, classify(fmt.Errorf("select latest: %w", err)))
	}
	if rec.From != current {
		return triage.Ack{}, spanErr(span, fmt.Errorf("%w: alert %s is %s, append expects %s", triage.ErrConflict, rec.AlertID, current, rec.From))
	}

	var ack triage.Ack
	err = tx.QueryRow(ctx,
		`INSERT INTO decision_records (
			id, alert_id, severity, score, source, action, outcome,
			from_status, to_status, token_id, clearance, required_clearance, reason, decided_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING seq, committed_at`,
		rec.ID, rec.AlertID, rec.Severity.String(), rec.Score, rec.Source, string(rec.Action), string(rec.Outcome),
		string(rec.From), string(rec.To), rec.TokenID, rec.Clearance, rec.RequiredClearance, string(rec.Reason), rec.DecidedAt,
	).Scan(&ack.Seq, &ack.CommittedAt)
	if err != nil {
		return triage.Ack{}, spanErr(span, classify(fmt.Errorf("insert decision: %w", err)))
	}

	if err := tx.Commit(ctx); err != nil {
		return triage.Ack{}, spanErr(span, classify(fmt.Errorf("commit: %w", err)))
	}

	span.SetAttributes(attribute.Int64("decision.seq", int64(ack.Seq)))
	return ack, nil
}

// ReadAll pages through every record in seq order. Each range starts a fresh scan.
func (s *Store) ReadAll(ctx context.Context) iter.Seq2[triage.DecisionRecord, error] {
	return s.pages(ctx, "pgstore.ReadAll",
		`SELECT `+recordColumns+` FROM decision_records WHERE seq > $1 ORDER BY seq LIMIT $2`)
}

// ReadByAlert pages through one alert's records in seq order.
func (s *Store) ReadByAlert(ctx context.Context, alertID string) iter.Seq2[triage.DecisionRecord, error] {
	return s.pages(ctx, "pgstore.ReadByAlert",
		`SELECT `+recordColumns+` FROM decision_records WHERE seq > $1 AND alert_id = $3 ORDER BY seq LIMIT $2`,
		alertID)
}

// Latest returns the alert's most recent record.
func (s *Store) Latest(ctx context.Context, alertID string) (triage.DecisionRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Latest", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM decision_records WHERE alert_id = $1 ORDER BY seq DESC LIMIT 1`,
		alertID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return triage.DecisionRecord{}, false, nil
	}
	if err != nil {
		return triage.DecisionRecord{}, false, spanErr(span, classify(err))
	}
	return rec, true, nil
}

// pages runs query with ($1 after-seq, $2 limit, extra...) until a short page.
func (s *Store) pages(ctx context.Context, name, query string, extra ...any) iter.Seq2[triage.DecisionRecord, error] {
	return func(yield func(triage.DecisionRecord, error) bool) {
		ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", "SELECT"),
		))
		defer span.End()

		var after uint64
		for {
			args := append([]any{after, pageSize}, extra...)
			rows, err := s.pool.Query(ctx, query, args...)
			if err != nil {
				yield(triage.DecisionRecord{}, spanErr(span, classify(fmt.Errorf("query decisions: %w", err))))
				return
			}
			page, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (triage.DecisionRecord, error) {
				return scanRecord(r)
			})
			if err != nil {
				yield(triage.DecisionRecord{}, spanErr(span, classify(fmt.Errorf("scan decisions: %w", err))))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				after = rec.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

func scanRecord(row pgx.Row) (triage.DecisionRecord, error) {
	var (
		rec                                    triage.DecisionRecord
		sev, action, outcome, from, to, reason string
		decidedAt                              time.Time
	)
	err := row.Scan(
		&rec.Seq, &rec.ID, &rec.AlertID, &sev, &rec.Score, &rec.Source, &action, &outcome,
		&from, &to, &rec.TokenID, &rec.Clearance, &rec.RequiredClearance, &reason, &decidedAt,
	)
	if err != nil {
		return triage.DecisionRecord{}, err
	}
	tier, err := severity.ParseTier(sev)
	if err != nil {
		return triage.DecisionRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Severity = tier
	rec.Action = triage.Action(action)
	rec.Outcome = triage.Outcome(outcome)
	rec.From = triage.Status(from)
	rec.To = triage.Status(to)
	if !rec.From.Valid() || !rec.To.Valid() {
		return triage.DecisionRecord{}, fmt.Errorf("record %s: unknown status %s -> %s", rec.ID, from, to)
	}
	rec.Reason = triage.Reason(reason)
	rec.DecidedAt = decidedAt.UTC()
	return rec, nil
}

// classify maps a pg error onto the DecisionLog error contract.
func classify(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		return fmt.Errorf("%w: %w", triage.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", triage.ErrStorageUnavailable, err)
	}
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
