// Package alertapi is Warden's HTTP surface: alert submission, status and
// audit queries, and reviewer verdicts.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/triage"
)

// DefaultMaxBatch bounds the number of alerts accepted per batch request.
const DefaultMaxBatch = 500

// TriageService defines the business operations alertapi needs.
type TriageService interface {
	Submit(ctx context.Context, al *alert.Alert, agentToken string) (*triage.Result, error)
	Review(ctx context.Context, alertID, reviewerToken string, verdict triage.Verdict) (*triage.Result, error)
	GetStatus(ctx context.Context, alertID string) (triage.CacheEntry, bool)
	GetAuditTrail(ctx context.Context, alertID string) ([]triage.DecisionRecord, error)
}

// Options tunes the API.
type Options struct {
	// BatchConcurrency caps parallel submits within one batch request.
	BatchConcurrency int

	// MaxBatch caps alerts per batch request.
	MaxBatch int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
	opts   Options
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 8
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	return &API{
		logger: logger,
		svc:    svc,
		opts:   opts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.AgentToken)
		r.Post("/alerts", a.handleSubmitAlert)
		r.Post("/alerts/batch", a.handleSubmitBatch)
		r.Get("/alerts/{id}/status", a.handleGetStatus)
		r.Get("/alerts/{id}/audit", a.handleGetAudit)
		r.Post("/alerts/{id}/review", a.handleReview)
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// classifyError maps a service error to an HTTP status and stable error code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, triage.ErrAlreadyDecided):
		return http.StatusConflict, "already_decided"
	case errors.Is(err, triage.ErrInvalidAlert):
		return http.StatusBadRequest, "invalid_alert"
	case errors.Is(err, triage.ErrInvalidVerdict):
		return http.StatusBadRequest, "invalid_verdict"
	case errors.Is(err, triage.ErrAlertNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, triage.ErrNotPendingReview):
		return http.StatusConflict, "not_pending_review"
	case errors.Is(err, triage.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, triage.ErrReviewForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, triage.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	body := errorBody{Error: code}
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		a.logger.Error(r.Context(), err, "request failed", "code", code)
	case status >= http.StatusInternalServerError:
		a.logger.Error(r.Context(), err, "request failed", "code", code)
	default:
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
