package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/identity"
	"github.com/linnemanlabs/warden/internal/logbackend"
	"github.com/linnemanlabs/warden/internal/resync"
	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/statecache"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Cache backends selectable with -cache-backend.
const (
	CacheBackendMemory = "memory"
	CacheBackendBadger = "badger"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	EscalationSeverityThreshold string
	RequiredClearance           int
	IdentityLookupTimeout       time.Duration
	IdentityFile                string

	DecisionLogBackend  string
	DBMaxConns          int
	DBSlowQuery         time.Duration
	CacheBackend        string
	CacheEvictionPolicy string
	CacheMaxEntries     int
	CacheTTL            time.Duration
	CacheResyncSchedule string

	SeverityMediumMin   float64
	SeverityHighMin     float64
	SeverityCriticalMin float64

	BatchConcurrency int
	MaxBatch         int

	NATSURL         string
	NATSSubject     string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	def := severity.DefaultBoundaries()

	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on every API request")

	fs.StringVar(&c.EscalationSeverityThreshold, "escalation-severity-threshold", "high", "minimum severity tier gated on agent clearance (low|medium|high|critical)")
	fs.IntVar(&c.RequiredClearance, "required-clearance", 5, "clearance level needed to auto-escalate or review (>= 0)")
	fs.DurationVar(&c.IdentityLookupTimeout, "identity-lookup-timeout", identity.DefaultLookupTimeout, "deadline for one identity store lookup")
	fs.StringVar(&c.IdentityFile, "identity-file", "", "YAML identity table, reloaded on change (empty = no identities)")

	fs.StringVar(&c.DecisionLogBackend, "decision-log-backend", "memory://", "decision log descriptor: memory://, postgres://... or bolt:///path")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "postgres pool size (0 = pgx default)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 200*time.Millisecond, "log postgres queries slower than this")
	fs.StringVar(&c.CacheBackend, "cache-backend", CacheBackendMemory, "state cache implementation (memory|badger)")
	fs.StringVar(&c.CacheEvictionPolicy, "cache-eviction-policy", string(statecache.PolicyNone), "state cache eviction (none|lru|ttl)")
	fs.IntVar(&c.CacheMaxEntries, "cache-max-entries", 100000, "state cache capacity under lru eviction")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", time.Hour, "state cache entry lifetime under ttl eviction")
	fs.StringVar(&c.CacheResyncSchedule, "cache-resync-schedule", "", "cron schedule for replaying the decision log into the cache, e.g. @every 1m (empty = startup only)")

	fs.Float64Var(&c.SeverityMediumMin, "severity-medium-min", def.Medium, "lowest score classified MEDIUM")
	fs.Float64Var(&c.SeverityHighMin, "severity-high-min", def.High, "lowest score classified HIGH")
	fs.Float64Var(&c.SeverityCriticalMin, "severity-critical-min", def.Critical, "lowest score classified CRITICAL")

	fs.IntVar(&c.BatchConcurrency, "batch-concurrency", 8, "parallel submits per batch request (1..256)")
	fs.IntVar(&c.MaxBatch, "max-batch", 500, "alerts accepted per batch request (1..10000)")

	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for transition events (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "warden.transitions", "NATS subject prefix for transition events")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for review-queue notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if _, err := severity.ParseTier(c.EscalationSeverityThreshold); err != nil {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_SEVERITY_THRESHOLD: %w", err))
	}
	if c.RequiredClearance < 0 {
		errs = append(errs, fmt.Errorf("invalid REQUIRED_CLEARANCE %d (must be >= 0)", c.RequiredClearance))
	}
	if c.IdentityLookupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid IDENTITY_LOOKUP_TIMEOUT %s (must be > 0)", c.IdentityLookupTimeout))
	}

	if _, err := logbackend.Parse(c.DecisionLogBackend); err != nil {
		errs = append(errs, fmt.Errorf("invalid DECISION_LOG_BACKEND: %w", err))
	}
	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}

	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendBadger:
		opts := c.CacheOptions()
		if c.CacheBackend == CacheBackendBadger && opts.Policy == statecache.PolicyLRU {
			// badger evicts by ttl only
			errs = append(errs, errors.New("CACHE_EVICTION_POLICY lru is not supported by CACHE_BACKEND badger"))
		} else if err := opts.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("invalid cache settings: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CACHE_BACKEND %q (must be memory or badger)", c.CacheBackend))
	}
	if _, err := statecache.ParsePolicy(c.CacheEvictionPolicy); err != nil {
		errs = append(errs, fmt.Errorf("invalid CACHE_EVICTION_POLICY: %w", err))
	}

	if c.CacheResyncSchedule != "" {
		if err := resync.ValidateSchedule(c.CacheResyncSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid CACHE_RESYNC_SCHEDULE: %w", err))
		}
	}

	if err := c.Boundaries().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid SEVERITY_*_MIN: %w", err))
	}

	if c.BatchConcurrency <= 0 || c.BatchConcurrency > 256 {
		errs = append(errs, fmt.Errorf("invalid BATCH_CONCURRENCY %d (must be 1..256)", c.BatchConcurrency))
	}
	if c.MaxBatch <= 0 || c.MaxBatch > 10000 {
		errs = append(errs, fmt.Errorf("invalid MAX_BATCH %d (must be 1..10000)", c.MaxBatch))
	}

	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Boundaries returns the configured severity score boundaries.
func (c *Config) Boundaries() severity.Boundaries {
	return severity.Boundaries{
		Medium:   c.SeverityMediumMin,
		High:     c.SeverityHighMin,
		Critical: c.SeverityCriticalMin,
	}
}

// Policy returns the routing policy. Call after Validate.
func (c *Config) Policy() triage.Policy {
	tier, _ := severity.ParseTier(c.EscalationSeverityThreshold)
	return triage.Policy{
		EscalationThreshold: tier,
		RequiredClearance:   c.RequiredClearance,
	}
}

// CacheOptions returns the in-memory state cache options.
func (c *Config) CacheOptions() statecache.Options {
	p, _ := statecache.ParsePolicy(c.CacheEvictionPolicy)
	return statecache.Options{
		Policy:     p,
		MaxEntries: c.CacheMaxEntries,
		TTL:        c.CacheTTL,
	}
}
