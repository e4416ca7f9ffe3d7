package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/statecache"
)

// validBase returns a Config with defaults applied and the required token set.
func validBase(t *testing.T) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse([]string{"-api-token", "test-token-123"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := validBase(t)

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.DecisionLogBackend != "memory://" {
		t.Errorf("DecisionLogBackend = %q, want memory://", c.DecisionLogBackend)
	}
	if c.RequiredClearance != 5 {
		t.Errorf("RequiredClearance = %d, want 5", c.RequiredClearance)
	}
	if p := c.Policy(); p.EscalationThreshold != severity.TierHigh || p.RequiredClearance != 5 {
		t.Errorf("Policy() = %+v, want HIGH/5", p)
	}
	if c.Boundaries() != severity.DefaultBoundaries() {
		t.Errorf("Boundaries() = %+v, want defaults", c.Boundaries())
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-escalation-severity-threshold", "critical",
		"-required-clearance", "8",
		"-identity-lookup-timeout", "1s",
		"-decision-log-backend", "bolt:///var/lib/warden/decisions.db",
		"-cache-eviction-policy", "lru",
		"-cache-max-entries", "10",
		"-severity-high-min", "6.5",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 || c.ShutdownBudgetSeconds != 120 || c.APIPort != 9090 {
		t.Errorf("budgets/port = %d/%d/%d", c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort)
	}
	if p := c.Policy(); p.EscalationThreshold != severity.TierCritical || p.RequiredClearance != 8 {
		t.Errorf("Policy() = %+v", p)
	}
	if c.IdentityLookupTimeout != time.Second {
		t.Errorf("IdentityLookupTimeout = %s, want 1s", c.IdentityLookupTimeout)
	}
	if o := c.CacheOptions(); o.Policy != statecache.PolicyLRU || o.MaxEntries != 10 {
		t.Errorf("CacheOptions() = %+v", o)
	}
	if c.Boundaries().High != 6.5 {
		t.Errorf("Boundaries().High = %v, want 6.5", c.Boundaries().High)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "minimum budgets", mutate: func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1 }},
		{name: "maximum budgets", mutate: func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535 }},
		{name: "postgres backend", mutate: func(c *Config) { c.DecisionLogBackend = "postgres://warden@db:5432/warden" }},
		{name: "badger ttl cache", mutate: func(c *Config) { c.CacheBackend, c.CacheEvictionPolicy = CacheBackendBadger, "ttl" }},
		{name: "zero clearance", mutate: func(c *Config) { c.RequiredClearance = 0 }},
		{name: "resync schedule", mutate: func(c *Config) { c.CacheResyncSchedule = "@every 1m" }},

		{"drain zero", func(c *Config) { c.DrainSeconds = 0 }, true, []string{"DRAIN_SECONDS"}},
		{"drain above max", func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }, true, []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS"}},
		{"budget equals drain", func(c *Config) { c.ShutdownBudgetSeconds = 60 }, true, []string{"must be greater than"}},
		{"port above max", func(c *Config) { c.APIPort = 65536 }, true, []string{"HTTP_PORT"}},
		{"missing api token", func(c *Config) { c.APIToken = "" }, true, []string{"API_TOKEN"}},
		{"bad threshold", func(c *Config) { c.EscalationSeverityThreshold = "severe" }, true, []string{"ESCALATION_SEVERITY_THRESHOLD"}},
		{"negative clearance", func(c *Config) { c.RequiredClearance = -1 }, true, []string{"REQUIRED_CLEARANCE"}},
		{"zero lookup timeout", func(c *Config) { c.IdentityLookupTimeout = 0 }, true, []string{"IDENTITY_LOOKUP_TIMEOUT"}},
		{"bad backend scheme", func(c *Config) { c.DecisionLogBackend = "mysql://x" }, true, []string{"DECISION_LOG_BACKEND"}},
		{"bad cache backend", func(c *Config) { c.CacheBackend = "redis" }, true, []string{"CACHE_BACKEND"}},
		{"bad eviction policy", func(c *Config) { c.CacheEvictionPolicy = "fifo" }, true, []string{"CACHE_EVICTION_POLICY"}},
		{"lru without capacity", func(c *Config) { c.CacheEvictionPolicy, c.CacheMaxEntries = "lru", 0 }, true, []string{"max entries"}},
		{"badger lru", func(c *Config) { c.CacheBackend, c.CacheEvictionPolicy = CacheBackendBadger, "lru" }, true, []string{"not supported"}},
		{"boundaries out of order", func(c *Config) { c.SeverityHighMin = 3 }, true, []string{"SEVERITY_*_MIN"}},
		{"bad resync schedule", func(c *Config) { c.CacheResyncSchedule = "hourly-ish" }, true, []string{"CACHE_RESYNC_SCHEDULE"}},
		{"batch concurrency zero", func(c *Config) { c.BatchConcurrency = 0 }, true, []string{"BATCH_CONCURRENCY"}},
		{"max batch too big", func(c *Config) { c.MaxBatch = 10001 }, true, []string{"MAX_BATCH"}},
		{"nats without subject", func(c *Config) { c.NATSURL, c.NATSSubject = "nats://localhost:4222", "" }, true, []string{"NATS_SUBJECT"}},
		{
			name:      "multiple errors joined",
			mutate:    func(c *Config) { c.APIPort, c.APIToken, c.RequiredClearance = 0, "", -2 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT", "API_TOKEN", "REQUIRED_CLEARANCE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase(t)
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, sub := range tt.errSubstr {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error %q missing substring %q", err, sub)
				}
			}
		})
	}
}
