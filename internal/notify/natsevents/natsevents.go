// Package natsevents publishes committed triage transitions to NATS.
//
// Each transition is a JSON message on <prefix>.<to-status>, e.g.
// warden.transitions.pending_review. The W3C traceparent of the committing
// request travels in the message headers, and Nats-Msg-Id carries the
// record id so JetStream streams can deduplicate redeliveries.
package natsevents

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/triage"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "warden.transitions"

const (
	headerSeq     = "Warden-Seq"
	headerAlertID = "Warden-Alert-Id"
)

var (
	propagator = propagation.TraceContext{}
	tracer     = otel.Tracer("github.com/linnemanlabs/warden/internal/notify/natsevents")
)

// MsgPublisher is the part of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher implements triage.EventSink over NATS core publish.
type Publisher struct {
	conn   MsgPublisher
	prefix string
	logger log.Logger
}

// New creates a publisher. An empty prefix uses DefaultSubjectPrefix.
func New(conn MsgPublisher, prefix string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject a transition to status is published on.
func (p *Publisher) Subject(status triage.Status) string {
	return p.prefix + "." + strings.ToLower(string(status))
}

// Publish implements triage.EventSink.
func (p *Publisher) Publish(ctx context.Context, ev triage.TransitionEvent) error {
	subject := p.Subject(ev.To)
	ctx, span := tracer.Start(ctx, "nats.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.String("alert.id", ev.AlertID),
		))
	defer span.End()

	data, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("natsevents: marshal event: %w", err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set(nats.MsgIdHdr, ev.RecordID)
	hdr.Set(headerSeq, strconv.FormatUint(ev.Seq, 10))
	hdr.Set(headerAlertID, ev.AlertID)

	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("natsevents: publish %s: %w", subject, err)
	}
	return nil
}

// Connect dials url with reconnect handling that logs through logger.
func Connect(url, name string, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ctx := context.Background()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "err", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error(ctx, err, "nats async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsevents: connect: %w", err)
	}
	return nc, nil
}

// Extract returns ctx carrying the trace context found in msg's headers.
func Extract(ctx context.Context, msg *nats.Msg) context.Context {
	if msg.Header == nil {
		return ctx
	}
	return propagator.Extract(ctx, propagation.HeaderCarrier(msg.Header))
}
