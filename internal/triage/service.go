package triage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/identity"
	"github.com/linnemanlabs/warden/internal/severity"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage")

// Classifier assigns a severity tier to alert attributes.
type Classifier interface {
	Classify(a severity.Attributes) severity.Tier
}

// ClearanceResolver maps an agent token to a clearance.
type ClearanceResolver interface {
	Resolve(ctx context.Context, token string) identity.Clearance
}

// Policy holds the routing thresholds.
type Policy struct {
	// EscalationThreshold is the lowest tier that is not auto-closed.
	EscalationThreshold severity.Tier

	// RequiredClearance is the clearance needed to auto-escalate or review.
	RequiredClearance int
}

// DefaultPolicy escalates HIGH and above, requiring clearance 5.
func DefaultPolicy() Policy {
	return Policy{EscalationThreshold: severity.TierHigh, RequiredClearance: 5}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	var errs []error
	if !p.EscalationThreshold.Valid() {
		errs = append(errs, fmt.Errorf("invalid escalation threshold %d", p.EscalationThreshold))
	}
	if p.RequiredClearance < 0 {
		errs = append(errs, fmt.Errorf("required clearance must be >= 0, got %d", p.RequiredClearance))
	}
	return errors.Join(errs...)
}

// Service is the business boundary for triage decisions.
type Service struct {
	log        DecisionLog
	cache      StateCache
	classifier Classifier
	resolver   ClearanceResolver
	policy     Policy
	logger     log.Logger

	locks    *keyLocks
	hooks    ServiceHooks
	sinks    []EventSink
	notifier Notifier
	now      func() time.Time

	// dispatch tracks post-commit fan-out so shutdown can wait for it.
	dispatch sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithHooks installs metric callbacks.
func WithHooks(h ServiceHooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithEventSink adds a sink that receives every committed transition.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithNotifier sets the notifier for alerts routed to manual review.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source for DecidedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a triage service. The decision log, cache, classifier and
// resolver are required.
func NewService(dl DecisionLog, cache StateCache, classifier Classifier, resolver ClearanceResolver, policy Policy, logger log.Logger, opts ...Option) *Service {
	if dl == nil {
		panic(xerrors.New("decision log is required"))
	}
	if cache == nil {
		panic(xerrors.New("state cache is required"))
	}
	if classifier == nil {
		panic(xerrors.New("classifier is required"))
	}
	if resolver == nil {
		panic(xerrors.New("clearance resolver is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		log:        dl,
		cache:      cache,
		classifier: classifier,
		resolver:   resolver,
		policy:     policy,
		logger:     logger.With("component", "orchestrator"),
		locks:      newKeyLocks(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the routing policy in force.
func (s *Service) Policy() Policy {
	return s.policy
}

// Submit classifies an alert, gates it on the agent's clearance and commits
// exactly one decision. The decision is durable before it is visible in the
// cache or returned.
func (s *Service) Submit(ctx context.Context, al *alert.Alert, agentToken string) (*Result, error) {
	start := s.now()
	ctx, span := tracer.Start(ctx, "triage.Submit")
	defer span.End()

	if err := al.Validate(); err != nil {
		s.onSubmit("invalid")
		return nil, spanErr(span, fmt.Errorf("%w: %w", ErrInvalidAlert, err))
	}
	span.SetAttributes(attribute.String("alert.id", al.ID))

	unlock, err := s.locks.Lock(ctx, al.ID)
	if err != nil {
		s.onSubmit("cancelled")
		return nil, spanErr(span, err)
	}
	defer unlock()

	cur, err := s.currentStatus(ctx, al.ID)
	if err != nil {
		s.onSubmit("storage_error")
		return nil, spanErr(span, err)
	}
	if cur != StatusNew {
		s.onSubmit("already_decided")
		return nil, spanErr(span, fmt.Errorf("%w: %w: %s is %s", ErrInvalidAlert, ErrAlreadyDecided, al.ID, cur))
	}

	tier := s.classifier.Classify(al.Attributes())
	span.SetAttributes(attribute.String("alert.severity", tier.String()))
	s.logger.Info(ctx, "alert transition",
		"alert_id", al.ID,
		"from", StatusNew,
		"to", StatusClassified,
		"severity", tier.String(),
	)

	rec := DecisionRecord{
		ID:                ulid.Make().String(),
		AlertID:           al.ID,
		Severity:          tier,
		Score:             al.Score,
		Source:            al.Source,
		From:              StatusNew,
		RequiredClearance: s.policy.RequiredClearance,
		DecidedAt:         s.now().UTC(),
	}

	if !tier.AtLeast(s.policy.EscalationThreshold) {
		rec.To, rec.Outcome, rec.Action, rec.Reason = StatusAutoClosed, OutcomeApproved, ActionAutoClose, ReasonBelowThreshold
	} else {
		c := s.resolveInto(ctx, &rec, agentToken)
		switch {
		case c.Resolved && c.Level >= s.policy.RequiredClearance:
			rec.To, rec.Outcome, rec.Action, rec.Reason = StatusAutoEscalated, OutcomeApproved, ActionEscalate, ReasonSufficientClearance
		case c.Resolution == identity.ResolutionMissing:
			rec.To, rec.Outcome, rec.Action, rec.Reason = StatusPendingReview, OutcomeManualReviewRequired, ActionRouteToReview, ReasonMissingToken
		default:
			rec.To, rec.Outcome, rec.Action, rec.Reason = StatusPendingReview, OutcomeManualReviewRequired, ActionRouteToReview, ReasonInsufficientClearance
		}
	}

	res, err := s.commit(ctx, "submit", rec, start)
	if err != nil {
		s.onSubmit("storage_error")
		return nil, spanErr(span, err)
	}
	s.onSubmit("decided")
	return res, nil
}

// Review records a reviewer's verdict on a PENDING_REVIEW alert. The
// reviewer's token must resolve to at least the required clearance.
func (s *Service) Review(ctx context.Context, alertID, reviewerToken string, verdict Verdict) (*Result, error) {
	start := s.now()
	ctx, span := tracer.Start(ctx, "triage.Review", trace.WithAttributes(
		attribute.String("alert.id", alertID),
		attribute.String("review.verdict", string(verdict)),
	))
	defer span.End()

	if err := alert.ValidateID(alertID); err != nil {
		s.onReview("invalid")
		return nil, spanErr(span, fmt.Errorf("%w: %w", ErrInvalidAlert, err))
	}
	if verdict != VerdictApprove && verdict != VerdictDeny {
		s.onReview("invalid")
		return nil, spanErr(span, fmt.Errorf("%w: %q", ErrInvalidVerdict, verdict))
	}

	unlock, err := s.locks.Lock(ctx, alertID)
	if err != nil {
		s.onReview("cancelled")
		return nil, spanErr(span, err)
	}
	defer unlock()

	latest, found, err := s.log.Latest(ctx, alertID)
	if err != nil {
		s.onReview("storage_error")
		return nil, spanErr(span, storageErr(err))
	}
	if !found {
		s.onReview("not_found")
		return nil, spanErr(span, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID))
	}
	if latest.To != StatusPendingReview {
		s.onReview("not_pending")
		return nil, spanErr(span, fmt.Errorf("%w: %s is %s", ErrNotPendingReview, alertID, latest.To))
	}

	rec := DecisionRecord{
		ID:                ulid.Make().String(),
		AlertID:           alertID,
		Severity:          latest.Severity,
		Score:             latest.Score,
		Source:            latest.Source,
		From:              StatusPendingReview,
		RequiredClearance: s.policy.RequiredClearance,
		DecidedAt:         s.now().UTC(),
	}

	c := s.resolveInto(ctx, &rec, reviewerToken)
	if !c.Resolved || c.Level < s.policy.RequiredClearance {
		s.onReview("forbidden")
		reason := ReasonInsufficientClearance
		if c.Resolution == identity.ResolutionMissing {
			reason = ReasonMissingToken
		}
		s.logger.Warn(ctx, "review rejected",
			"alert_id", alertID,
			"from", StatusPendingReview,
			"to", StatusPendingReview,
			"reason", reason,
			"resolution", string(c.Resolution),
			"clearance", c.Effective(),
			"required_clearance", s.policy.RequiredClearance,
		)
		return nil, spanErr(span, fmt.Errorf("%w: %s", ErrReviewForbidden, alertID))
	}

	if verdict == VerdictApprove {
		rec.To, rec.Outcome, rec.Action, rec.Reason = StatusEscalated, OutcomeApproved, ActionEscalate, ReasonReviewApproved
	} else {
		rec.To, rec.Outcome, rec.Action, rec.Reason = StatusDismissed, OutcomeDenied, ActionClose, ReasonReviewDenied
	}

	res, err := s.commit(ctx, "review", rec, start)
	if err != nil {
		s.onReview("storage_error")
		return nil, spanErr(span, err)
	}
	s.onReview(string(verdict))
	return res, nil
}

// GetStatus returns the cached latest state. It never consults the log.
func (s *Service) GetStatus(ctx context.Context, alertID string) (CacheEntry, bool) {
	_, span := tracer.Start(ctx, "triage.GetStatus", trace.WithAttributes(attribute.String("alert.id", alertID)))
	defer span.End()
	e, ok := s.cache.Get(alertID)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return e, ok
}

// AuditTrail returns the lazy record sequence for one alert, straight from
// the decision log.
func (s *Service) AuditTrail(ctx context.Context, alertID string) iter.Seq2[DecisionRecord, error] {
	return s.log.ReadByAlert(ctx, alertID)
}

// GetAuditTrail collects an alert's records in commit order.
func (s *Service) GetAuditTrail(ctx context.Context, alertID string) ([]DecisionRecord, error) {
	ctx, span := tracer.Start(ctx, "triage.GetAuditTrail", trace.WithAttributes(attribute.String("alert.id", alertID)))
	defer span.End()

	var out []DecisionRecord
	for rec, err := range s.log.ReadByAlert(ctx, alertID) {
		if err != nil {
			return nil, spanErr(span, storageErr(err))
		}
		out = append(out, rec)
	}
	return out, nil
}

// RebuildCache replays the whole decision log into the cache and returns the
// number of records applied.
func (s *Service) RebuildCache(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "triage.RebuildCache")
	defer span.End()

	n := 0
	for rec, err := range s.log.ReadAll(ctx) {
		if err != nil {
			return n, spanErr(span, storageErr(err))
		}
		s.cache.Put(rec.AlertID, EntryFromRecord(rec))
		n++
	}
	if s.hooks.OnRebuild != nil {
		s.hooks.OnRebuild(n)
	}
	span.SetAttributes(attribute.Int("records", n))
	s.logger.Info(ctx, "state cache rebuilt", "records", n)
	return n, nil
}

// Wait blocks until post-commit notifications in flight have finished.
func (s *Service) Wait() {
	s.dispatch.Wait()
}

// currentStatus returns the alert's committed status, or StatusNew, preferring
// the cache and repairing it from the log on a miss.
func (s *Service) currentStatus(ctx context.Context, alertID string) (Status, error) {
	if e, ok := s.cache.Get(alertID); ok {
		s.onCacheLookup(true)
		return e.Status, nil
	}
	s.onCacheLookup(false)

	rec, found, err := s.log.Latest(ctx, alertID)
	if err != nil {
		return "", storageErr(err)
	}
	if found {
		s.cache.Put(alertID, EntryFromRecord(rec))
	}
	return CurrentStatus(rec, found), nil
}

// resolveInto resolves token and records the token id and clearance on rec.
func (s *Service) resolveInto(ctx context.Context, rec *DecisionRecord, token string) identity.Clearance {
	c := s.resolver.Resolve(ctx, token)
	if tok := strings.TrimSpace(token); tok != "" && c.Resolution != identity.ResolutionMalformed {
		rec.TokenID = &tok
	}
	if c.Resolved {
		level := c.Level
		rec.Clearance = &level
	}
	return c
}

// commit appends rec and, only once the log acknowledges it, updates the
// cache and fans the transition out.
func (s *Service) commit(ctx context.Context, op string, rec DecisionRecord, start time.Time) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ack, err := s.log.Append(ctx, rec)
	if err != nil {
		if s.hooks.OnAppendError != nil {
			s.hooks.OnAppendError()
		}
		err = storageErr(err)
		s.logger.Error(ctx, err, "decision append failed",
			"alert_id", rec.AlertID,
			"from", rec.From,
			"to", rec.To,
		)
		return nil, err
	}
	rec.Seq = ack.Seq

	s.cache.Put(rec.AlertID, EntryFromRecord(rec))

	s.logger.Info(ctx, "alert transition",
		"alert_id", rec.AlertID,
		"from", rec.From,
		"to", rec.To,
		"reason", rec.Reason,
		"outcome", rec.Outcome,
		"terminal", rec.To.Terminal(),
		"severity", rec.Severity.String(),
		"seq", rec.Seq,
	)
	if s.hooks.OnDecision != nil {
		s.hooks.OnDecision(op, rec, s.now().Sub(start).Seconds())
	}

	s.fanOut(ctx, rec)
	return resultFromRecord(rec), nil
}

func (s *Service) fanOut(ctx context.Context, rec DecisionRecord) {
	notify := s.notifier != nil && rec.To == StatusPendingReview
	if len(s.sinks) == 0 && !notify {
		return
	}

	ev := eventFromRecord(rec)
	dctx := context.WithoutCancel(ctx)
	s.dispatch.Add(1)
	go func() {
		defer s.dispatch.Done()
		for _, sink := range s.sinks {
			if err := sink.Publish(dctx, ev); err != nil {
				if s.hooks.OnPublishError != nil {
					s.hooks.OnPublishError()
				}
				s.logger.Error(dctx, err, "transition event publish failed", "alert_id", ev.AlertID, "seq", ev.Seq)
			}
		}
		if notify {
			if err := s.notifier.NotifyReview(dctx, ev); err != nil {
				s.logger.Error(dctx, err, "review notification failed", "alert_id", ev.AlertID)
			}
		}
	}()
}

func (s *Service) onSubmit(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

func (s *Service) onReview(result string) {
	if s.hooks.OnReview != nil {
		s.hooks.OnReview(result)
	}
}

func (s *Service) onCacheLookup(hit bool) {
	if s.hooks.OnCacheLookup != nil {
		s.hooks.OnCacheLookup(hit)
	}
}

// storageErr classifies a backend error as ErrStorageUnavailable unless it
// already carries a more specific meaning.
func storageErr(err error) error {
	switch {
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
