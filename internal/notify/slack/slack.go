// Package slack posts review-queue notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/triage"
)

const (
	maxFieldLen = 256
	httpTimeout = 10 * time.Second
)

// Notifier tells a Slack channel about alerts waiting for a reviewer.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, NotifyReview is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// NotifyReview posts a PENDING_REVIEW transition to the configured webhook.
// Other transitions are ignored.
func (n *Notifier) NotifyReview(ctx context.Context, ev triage.TransitionEvent) error {
	if n.webhookURL == "" || ev.To != triage.StatusPendingReview {
		return nil
	}

	body, err := json.Marshal(buildMessage(ev))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "review notification sent", "alert_id", ev.AlertID)
	return nil
}

func buildMessage(ev triage.TransitionEvent) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("Alert %s needs review", truncate(ev.AlertID, maxFieldLen)),
		"blocks": []map[string]any{
			headerBlock(ev),
			{"type": "divider"},
			fieldsBlock(ev),
			{"type": "divider"},
			contextBlock(ev),
		},
	}
}

func headerBlock(ev triage.TransitionEvent) map[string]any {
	text := fmt.Sprintf("%s Review required: %s", severityEmoji(ev.Severity), truncate(ev.AlertID, maxFieldLen))
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(ev triage.TransitionEvent) map[string]any {
	source := ev.Source
	if source == "" {
		source = "_unknown_"
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", ev.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reason:* %s", reasonText(ev.Reason)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", truncate(source, maxFieldLen)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Record:* %s", ev.RecordID),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(ev triage.TransitionEvent) map[string]any {
	ts := ev.DecidedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("warden • seq %d • %s", ev.Seq, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func reasonText(r triage.Reason) string {
	switch r {
	case triage.ReasonMissingToken:
		return "submitted without an agent token"
	case triage.ReasonInsufficientClearance:
		return "agent clearance below required level"
	default:
		return string(r)
	}
}

func severityEmoji(t severity.Tier) string {
	switch t {
	case severity.TierCritical:
		return "\U0001f534" // red circle
	case severity.TierHigh:
		return "\U0001f7e0" // orange circle
	case severity.TierMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
