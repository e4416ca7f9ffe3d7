package triage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/identity"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	DecisionsTotal      *prometheus.CounterVec
	DecisionDuration    *prometheus.HistogramVec
	SubmitsTotal        *prometheus.CounterVec
	ReviewsTotal        *prometheus.CounterVec
	AppendErrorsTotal   prometheus.Counter
	CacheLookupsTotal   *prometheus.CounterVec
	IdentityLookups     *prometheus.CounterVec
	IdentityLookupTime  prometheus.Histogram
	EventPublishErrors  prometheus.Counter
	CacheRebuildRecords prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_decisions_total",
			Help: "Committed decisions by resulting status and reason.",
		}, []string{"status", "reason"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_decision_duration_seconds",
			Help:    "Time from request to committed decision in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"op"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
		ReviewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_reviews_total",
			Help: "Total review requests by result.",
		}, []string{"result"}),
		AppendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_decision_log_append_errors_total",
			Help: "Decision log appends that failed.",
		}),
		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_state_cache_lookups_total",
			Help: "State cache lookups made by the orchestrator, by hit or miss.",
		}, []string{"result"}),
		IdentityLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_identity_resolutions_total",
			Help: "Token resolutions by resolution kind.",
		}, []string{"resolution"}),
		IdentityLookupTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_identity_resolution_duration_seconds",
			Help:    "Duration of token resolutions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms .. ~0.8s
		}),
		EventPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_event_publish_errors_total",
			Help: "Transition events that sinks failed to accept.",
		}),
		CacheRebuildRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_state_cache_rebuild_records_total",
			Help: "Decision records replayed into the state cache.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.SubmitsTotal,
		m.ReviewsTotal,
		m.AppendErrorsTotal,
		m.CacheLookupsTotal,
		m.IdentityLookups,
		m.IdentityLookupTime,
		m.EventPublishErrors,
		m.CacheRebuildRecords,
	)

	return m
}

// Hooks returns a ServiceHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnDecision: func(op string, rec DecisionRecord, duration float64) {
			m.DecisionsTotal.WithLabelValues(string(rec.To), string(rec.Reason)).Inc()
			m.DecisionDuration.WithLabelValues(op).Observe(duration)
		},
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnReview: func(result string) {
			m.ReviewsTotal.WithLabelValues(result).Inc()
		},
		OnAppendError: func() {
			m.AppendErrorsTotal.Inc()
		},
		OnCacheLookup: func(hit bool) {
			result := "miss"
			if hit {
				result = "hit"
			}
			m.CacheLookupsTotal.WithLabelValues(result).Inc()
		},
		OnPublishError: func() {
			m.EventPublishErrors.Inc()
		},
		OnRebuild: func(records int) {
			m.CacheRebuildRecords.Add(float64(records))
		},
	}
}

// IdentityObserver returns an identity.Observer that records resolutions.
func (m *Metrics) IdentityObserver() identity.Observer {
	return func(res identity.Resolution, dur time.Duration) {
		m.IdentityLookups.WithLabelValues(string(res)).Inc()
		m.IdentityLookupTime.Observe(dur.Seconds())
	}
}

// ServiceHooks are optional callbacks fired by the Service. Nil fields are skipped.
type ServiceHooks struct {
	OnDecision     func(op string, rec DecisionRecord, duration float64)
	OnSubmit       func(result string)
	OnReview       func(result string)
	OnAppendError  func()
	OnCacheLookup  func(hit bool)
	OnPublishError func()
	OnRebuild      func(records int)
}
