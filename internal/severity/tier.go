// Package severity maps alert attributes onto an ordered, closed set of tiers.
package severity

import (
	"fmt"
	"strings"
)

// Tier is the classified severity of an alert. Tiers are ordered: a larger
// value is more severe.
type Tier int

const (
	// TierLow needs no governance and is auto-closed under the default policy
	TierLow Tier = iota + 1

	// TierMedium is noisy but not actionable by the escalation path by default
	TierMedium

	// TierHigh is the default escalation threshold
	TierHigh

	// TierCritical is the most severe tier
	TierCritical
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierLow, TierMedium, TierHigh, TierCritical}

// String returns the canonical upper-case tier name.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "LOW"
	case TierMedium:
		return "MEDIUM"
	case TierHigh:
		return "HIGH"
	case TierCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= TierLow && t <= TierCritical
}

// AtLeast reports whether t is as severe as or more severe than other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return TierLow, nil
	case "MEDIUM":
		return TierMedium, nil
	case "HIGH":
		return TierHigh, nil
	case "CRITICAL":
		return TierCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity tier %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid severity tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
