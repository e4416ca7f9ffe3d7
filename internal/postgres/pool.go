// Package postgres builds the pgx connection pool used by the decision log,
// with OpenTelemetry spans and structured query logging on every statement.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes the pool's query tracing. Query log lines go to the logger
// carried by the query context.
type Options struct {
	// SlowQuery is the duration at or above which successful queries are
	// logged. Zero logs every query; failed queries are always logged.
	SlowQuery time.Duration

	// Observer receives one observation per query.
	Observer QueryObserver

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32
}

// NewPool parses dsn, installs the tracer and verifies connectivity.
func NewPool(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		pcfg.MaxConns = opts.MaxConns
	}
	pcfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), opts)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
