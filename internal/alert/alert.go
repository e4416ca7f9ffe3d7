// Package alert defines the security alert handed to the triage core by
// ingestion collaborators, and the validation applied before classification.
package alert

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/linnemanlabs/warden/internal/severity"
)

const (
	// MaxIDLen bounds the alert identifier length.
	MaxIDLen = 128

	// MaxSourceLen bounds the origin tag length.
	MaxSourceLen = 256

	// MaxContentLen bounds the free-text content used for keyword classification.
	MaxContentLen = 16 * 1024
)

// Alert is one already-formed security event awaiting triage.
type Alert struct {
	ID        string    `json:"id"`
	Score     *float64  `json:"severity,omitempty"`
	Category  string    `json:"category,omitempty"`
	Source    string    `json:"source,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Batch is the payload shape for submitting several alerts at once.
type Batch struct {
	Alerts []Alert `json:"alerts"`
}

// Attributes returns the raw severity material for the classifier.
func (a *Alert) Attributes() severity.Attributes {
	return severity.Attributes{
		Score:    a.Score,
		Category: a.Category,
		Content:  a.Content,
	}
}

// Validate reports every problem with the alert, or nil if it can be classified.
func (a *Alert) Validate() error {
	if a == nil {
		return errors.New("alert is nil")
	}

	var errs []error

	if err := ValidateID(a.ID); err != nil {
		errs = append(errs, err)
	}

	if a.Score != nil {
		s := *a.Score
		if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 || s > severity.MaxScore {
			errs = append(errs, fmt.Errorf("severity %v out of range 0..%v", s, severity.MaxScore))
		}
	}

	if a.Category != "" {
		if _, err := severity.ParseTier(a.Category); err != nil {
			errs = append(errs, err)
		}
	}

	if a.Score == nil && a.Category == "" && strings.TrimSpace(a.Content) == "" {
		errs = append(errs, errors.New("alert carries no severity, category, or content"))
	}

	// stores reject or rewrite invalid UTF-8, which would break the audit copy
	for _, f := range [...]struct{ name, v string }{
		{"source", a.Source},
		{"category", a.Category},
		{"content", a.Content},
	} {
		if !utf8.ValidString(f.v) {
			errs = append(errs, fmt.Errorf("%s is not valid UTF-8", f.name))
		}
	}

	if len(a.Source) > MaxSourceLen {
		errs = append(errs, fmt.Errorf("source exceeds %d bytes", MaxSourceLen))
	}
	if len(a.Content) > MaxContentLen {
		errs = append(errs, fmt.Errorf("content exceeds %d bytes", MaxContentLen))
	}

	return errors.Join(errs...)
}

// ValidateID checks an alert identifier. IDs appear in URL paths and storage
// keys, so only [A-Za-z0-9._:-] is allowed.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("alert id is required")
	}
	if len(id) > MaxIDLen {
		return fmt.Errorf("alert id exceeds %d bytes", MaxIDLen)
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._:-", r)) {
			return fmt.Errorf("alert id contains invalid character %q", r)
		}
	}
	return nil
}
