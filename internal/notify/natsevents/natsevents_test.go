package natsevents

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/triage"
)

type captureConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (c *captureConn) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func sampleEvent() triage.TransitionEvent {
	return triage.TransitionEvent{
		RecordID:  "01JNREC",
		Seq:       7,
		AlertID:   "a1",
		Source:    "edr",
		Severity:  severity.TierHigh,
		From:      triage.StatusNew,
		To:        triage.StatusPendingReview,
		Outcome:   triage.OutcomeManualReviewRequired,
		Reason:    triage.ReasonMissingToken,
		DecidedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		status triage.Status
		want   string
	}{
		{"", triage.StatusPendingReview, "warden.transitions.pending_review"},
		{"soc.events.", triage.StatusAutoClosed, "soc.events.auto_closed"},
		{"  x ", triage.StatusEscalated, "x.escalated"},
	}
	for _, tt := range tests {
		if got := New(&captureConn{}, tt.prefix, nil).Subject(tt.status); got != tt.want {
			t.Errorf("Subject(%q, %s) = %q, want %q", tt.prefix, tt.status, got, tt.want)
		}
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()

	conn := &captureConn{}
	p := New(conn, "", log.Nop())
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(conn.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(conn.msgs))
	}
	m := conn.msgs[0]
	if m.Subject != "warden.transitions.pending_review" {
		t.Errorf("subject = %q", m.Subject)
	}
	if got := m.Header.Get(nats.MsgIdHdr); got != "01JNREC" {
		t.Errorf("%s = %q, want record id", nats.MsgIdHdr, got)
	}
	if got := m.Header.Get(headerSeq); got != "7" {
		t.Errorf("%s = %q, want 7", headerSeq, got)
	}

	var ev triage.TransitionEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.AlertID != "a1" || ev.To != triage.StatusPendingReview || ev.Severity != severity.TierHigh {
		t.Errorf("payload = %+v", ev)
	}
}

func TestPublish_PropagatesTraceContext(t *testing.T) {
	t.Parallel()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)

	conn := &captureConn{}
	if err := New(conn, "", nil).Publish(ctx, sampleEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m := conn.msgs[0]
	if tp := propagation.HeaderCarrier(m.Header).Get("traceparent"); !strings.Contains(tp, traceID.String()) {
		t.Errorf("traceparent = %q, want trace id %s", tp, traceID)
	}
	got := trace.SpanContextFromContext(Extract(context.Background(), m))
	if got.TraceID() != traceID {
		t.Errorf("extracted trace id = %s, want %s", got.TraceID(), traceID)
	}
}

func TestPublish_Error(t *testing.T) {
	t.Parallel()

	conn := &captureConn{err: nats.ErrConnectionClosed}
	err := New(conn, "", nil).Publish(context.Background(), sampleEvent())
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("err = %v, want wrapped ErrConnectionClosed", err)
	}
}

func TestExtract_NoHeaders(t *testing.T) {
	t.Parallel()

	ctx := Extract(context.Background(), &nats.Msg{Subject: "x"})
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("expected no span context from header-less message")
	}
}

// Integration test against a live server, gated on WARDEN_TEST_NATS_URL.
func TestPublish_Integration(t *testing.T) {
	url := os.Getenv("WARDEN_TEST_NATS_URL")
	if url == "" {
		t.Skip("WARDEN_TEST_NATS_URL not set")
	}

	nc, err := Connect(url, "warden-test", log.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(nc.Close)

	prefix := "warden.test." + strings.ToLower(t.Name())
	sub, err := nc.SubscribeSync(prefix + ".>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	p := New(nc, prefix, log.Nop())
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if m.Subject != prefix+".pending_review" {
		t.Errorf("subject = %q", m.Subject)
	}
	if m.Header.Get(headerAlertID) != "a1" {
		t.Errorf("alert id header = %q", m.Header.Get(headerAlertID))
	}
}
