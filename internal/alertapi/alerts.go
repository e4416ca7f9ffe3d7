package alertapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/triage"
)

// batchItem is one entry of a batch response, in request order.
type batchItem struct {
	AlertID string         `json:"alert_id"`
	Result  *triage.Result `json:"result,omitempty"`
	Error   *errorBody     `json:"error,omitempty"`
	Status  int            `json:"status"`
}

type auditResponse struct {
	AlertID string                  `json:"alert_id"`
	Records []triage.DecisionRecord `json:"records"`
}

type reviewRequest struct {
	Verdict triage.Verdict `json:"verdict"`
}

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var al alert.Alert
	if err := json.NewDecoder(r.Body).Decode(&al); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: decode body: %w", triage.ErrInvalidAlert, err))
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.alert.id", al.ID))

	res, err := a.svc.Submit(r.Context(), &al, authmw.AgentTokenFromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("warden.alert.status", string(res.Status)))
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var batch alert.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: decode body: %w", triage.ErrInvalidAlert, err))
		return
	}
	if len(batch.Alerts) == 0 {
		a.writeError(w, r, fmt.Errorf("%w: batch is empty", triage.ErrInvalidAlert))
		return
	}
	if len(batch.Alerts) > a.opts.MaxBatch {
		a.writeError(w, r, fmt.Errorf("%w: batch of %d exceeds %d alerts", triage.ErrInvalidAlert, len(batch.Alerts), a.opts.MaxBatch))
		return
	}

	token := authmw.AgentTokenFromContext(r.Context())
	items := make([]batchItem, len(batch.Alerts))

	// per-item failures are reported in place and never abort the batch
	var g errgroup.Group
	g.SetLimit(a.opts.BatchConcurrency)
	for i := range batch.Alerts {
		al := &batch.Alerts[i]
		g.Go(func() error {
			items[i].AlertID = al.ID
			res, err := a.svc.Submit(r.Context(), al, token)
			if err != nil {
				status, code := classifyError(err)
				items[i].Status = status
				items[i].Error = &errorBody{Error: code}
				if status < http.StatusInternalServerError {
					items[i].Error.Message = err.Error()
				}
				return nil
			}
			items[i].Status = http.StatusCreated
			items[i].Result = res
			return nil
		})
	}
	_ = g.Wait()

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("warden.batch.size", len(items)))
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.alert.id", id))

	e, ok := a.svc.GetStatus(r.Context(), id)
	if !ok {
		a.writeError(w, r, fmt.Errorf("%w: %s", triage.ErrAlertNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.alert.id", id))

	recs, err := a.svc.GetAuditTrail(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(recs) == 0 {
		a.writeError(w, r, fmt.Errorf("%w: %s", triage.ErrAlertNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{AlertID: id, Records: recs})
}

func (a *API) handleReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.alert.id", id))

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: decode body: %w", triage.ErrInvalidVerdict, err))
		return
	}

	res, err := a.svc.Review(r.Context(), id, authmw.AgentTokenFromContext(r.Context()), req.Verdict)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("warden.alert.status", string(res.Status)))
	writeJSON(w, http.StatusOK, res)
}
