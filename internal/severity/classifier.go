package severity

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxScore is the top of the numeric severity scale.
const MaxScore = 10.0

// Boundaries are the minimum scores at which each tier begins. Anything
// below Medium is LOW.
type Boundaries struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultBoundaries returns the boundaries used when none are configured.
func DefaultBoundaries() Boundaries {
	return Boundaries{Medium: 4, High: 7, Critical: 9}
}

// Validate checks that the boundaries are strictly increasing within (0, MaxScore].
func (b Boundaries) Validate() error {
	var errs []error
	named := []struct {
		name string
		v    float64
	}{{"medium", b.Medium}, {"high", b.High}, {"critical", b.Critical}}
	for _, n := range named {
		if math.IsNaN(n.v) || n.v <= 0 || n.v > MaxScore {
			errs = append(errs, fmt.Errorf("%s boundary %v out of range (0..%v]", n.name, n.v, MaxScore))
		}
	}
	if !(b.Medium < b.High && b.High < b.Critical) {
		errs = append(errs, fmt.Errorf("boundaries must be strictly increasing (medium %v < high %v < critical %v)", b.Medium, b.High, b.Critical))
	}
	return errors.Join(errs...)
}

// Rules are content keywords, matched case-insensitively as substrings.
// Critical keywords are checked first, then high, then medium.
type Rules struct {
	Critical []string
	High     []string
	Medium   []string
}

// DefaultRules returns the keyword rules used for alerts that carry neither
// a score nor a category.
func DefaultRules() Rules {
	return Rules{
		High:   []string{"malware", "ransomware", "critical"},
		Medium: []string{"error", "failed", "phishing", "scan"},
	}
}

// Attributes is the raw severity material carried by an alert.
type Attributes struct {
	Score    *float64
	Category string
	Content  string
}

// Classifier is a pure mapping from Attributes to Tier.
type Classifier struct {
	bounds Boundaries
	rules  []keywordRule
}

type keywordRule struct {
	tier     Tier
	keywords []string
}

// New creates a classifier from boundaries and keyword rules.
func New(b Boundaries, r Rules) (*Classifier, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{
		bounds: b,
		rules: []keywordRule{
			{TierCritical, normalize(r.Critical)},
			{TierHigh, normalize(r.High)},
			{TierMedium, normalize(r.Medium)},
		},
	}, nil
}

// Classify returns the tier for the given attributes. Score takes precedence
// over category, which takes precedence over content keywords.
func (c *Classifier) Classify(a Attributes) Tier {
	if a.Score != nil {
		return c.fromScore(*a.Score)
	}
	if a.Category != "" {
		if t, err := ParseTier(a.Category); err == nil {
			return t
		}
	}
	return c.fromContent(a.Content)
}

func (c *Classifier) fromScore(score float64) Tier {
	switch {
	case score >= c.bounds.Critical:
		return TierCritical
	case score >= c.bounds.High:
		return TierHigh
	case score >= c.bounds.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

func (c *Classifier) fromContent(content string) Tier {
	lc := strings.ToLower(content)
	if lc == "" {
		return TierLow
	}
	for _, rule := range c.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lc, kw) {
				return rule.tier
			}
		}
	}
	return TierLow
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
