// Package resync replays the decision log into the state cache on a cron
// schedule, so a replica sharing a postgres log with others picks up the
// decisions they committed.
package resync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// DefaultTimeout bounds a single replay when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

var (
	tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/resync")

	// five fields, an optional leading seconds field, or a descriptor like @every 30s
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Rebuilder is the cache replay the scheduler drives.
type Rebuilder interface {
	RebuildCache(ctx context.Context) (int, error)
}

// ValidateSchedule reports whether spec is a schedule the scheduler accepts.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("cron schedule %q: %w", spec, err)
	}
	return nil
}

// Options tunes a Scheduler.
type Options struct {
	// Timeout bounds one replay.
	Timeout time.Duration
}

// Scheduler runs a Rebuilder on a schedule, skipping a tick while the
// previous replay is still running.
type Scheduler struct {
	cron    *cron.Cron
	target  Rebuilder
	logger  log.Logger
	timeout time.Duration
	spec    string
	base    context.Context
}

// New creates a scheduler for spec. It does nothing until Start.
func New(spec string, target Rebuilder, logger log.Logger, opts Options) (*Scheduler, error) {
	if target == nil {
		panic(xerrors.New("resync target is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger = logger.With("component", "cache-resync")

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		target:  target,
		logger:  logger,
		timeout: opts.Timeout,
		spec:    spec,
		base:    context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("cron schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running replays on schedule. Replays inherit ctx's values
// and stop being scheduled once ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
	s.logger.Info(ctx, "cache resync scheduled", "schedule", s.spec)
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}

// Stop halts scheduling and waits for a running replay, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run performs one replay now.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "resync.Run")
	defer span.End()

	start := time.Now()
	n, err := s.target.RebuildCache(ctx)
	span.SetAttributes(attribute.Int("resync.records", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, err, "cache resync failed", "records", n)
		return n, err
	}
	s.logger.Info(ctx, "cache resynced", "records", n, "duration", time.Since(start).String())
	return n, nil
}

func (s *Scheduler) tick() {
	if s.base.Err() != nil {
		return
	}
	_, _ = s.Run(s.base)
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	logger log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	// cron logs every wake-up at info; only skips are worth keeping
	if msg == "skip" {
		c.logger.Warn(context.Background(), "cache resync still running, tick skipped", keysAndValues...)
	}
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error(context.Background(), err, "cron: "+msg, keysAndValues...)
}
