// Package identity resolves agent tokens to clearance levels. A clearance is
// always derived from the token through a Store, never taken from the caller.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/linnemanlabs/go-core/log"
)

// MaxTokenLen bounds the accepted token size; longer tokens are malformed.
const MaxTokenLen = 256

// DefaultLookupTimeout applies when the resolver is built with a zero timeout.
const DefaultLookupTimeout = 250 * time.Millisecond

// Store is the external identity capability: lookup(tokenId) -> level | miss.
type Store interface {
	Lookup(ctx context.Context, tokenID string) (level int, found bool, err error)
}

// Resolution records how a token was (or wasn't) resolved.
type Resolution string

const (
	ResolutionResolved  Resolution = "resolved"
	ResolutionMissing   Resolution = "missing"
	ResolutionMalformed Resolution = "malformed"
	ResolutionUnknown   Resolution = "unknown"
	ResolutionTimeout   Resolution = "timeout"
	ResolutionError     Resolution = "error"
)

// Clearance is the outcome of resolving a token. When Resolved is false the
// token is Unresolved and Effective reports the lowest clearance.
type Clearance struct {
	Level      int
	Resolved   bool
	Resolution Resolution
}

// Effective returns the clearance to use for policy decisions.
func (c Clearance) Effective() int {
	if !c.Resolved {
		return 0
	}
	return c.Level
}

// Observer receives one call per resolution, for metrics.
type Observer func(res Resolution, dur time.Duration)

// Resolver wraps a Store with token validation and a lookup deadline.
type Resolver struct {
	store   Store
	timeout time.Duration
	logger  log.Logger
	observe Observer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObserver installs a resolution observer.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observe = o }
}

// NewResolver creates a resolver over store. A nil store resolves nothing.
func NewResolver(store Store, timeout time.Duration, logger log.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	r := &Resolver{
		store:   store,
		timeout: timeout,
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps token to a Clearance. It never fails: missing, malformed,
// unknown, slow or erroring lookups all come back Unresolved.
func (r *Resolver) Resolve(ctx context.Context, token string) Clearance {
	start := time.Now()
	c := r.resolve(ctx, token)
	if r.observe != nil {
		r.observe(c.Resolution, time.Since(start))
	}
	return c
}

func (r *Resolver) resolve(ctx context.Context, token string) Clearance {
	token = strings.TrimSpace(token)
	if token == "" {
		return Clearance{Resolution: ResolutionMissing}
	}
	if !wellFormed(token) {
		return Clearance{Resolution: ResolutionMalformed}
	}
	if r.store == nil {
		return Clearance{Resolution: ResolutionUnknown}
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type lookupResult struct {
		level int
		found bool
		err   error
	}
	ch := make(chan lookupResult, 1)
	go func() {
		level, found, err := r.store.Lookup(lctx, token)
		ch <- lookupResult{level, found, err}
	}()

	select {
	case <-lctx.Done():
		r.logger.Warn(ctx, "identity lookup timed out", "timeout", r.timeout.String())
		return Clearance{Resolution: ResolutionTimeout}
	case res := <-ch:
		switch {
		case res.err != nil && (errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled)):
			return Clearance{Resolution: ResolutionTimeout}
		case res.err != nil:
			r.logger.Error(ctx, res.err, "identity lookup failed")
			return Clearance{Resolution: ResolutionError}
		case !res.found:
			return Clearance{Resolution: ResolutionUnknown}
		case res.level < 0:
			r.logger.Warn(ctx, "identity store returned negative clearance", "level", res.level)
			return Clearance{Resolution: ResolutionError}
		default:
			return Clearance{Level: res.level, Resolved: true, Resolution: ResolutionResolved}
		}
	}
}

func wellFormed(token string) bool {
	if len(token) > MaxTokenLen {
		return false
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
			return false
		}
	}
	return true
}
