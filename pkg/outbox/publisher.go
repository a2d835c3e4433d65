package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// DefaultSubjectPrefix roots every ride event subject.
const DefaultSubjectPrefix = "rides"

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes ride events straight to NATS, one subject per event type.
type Publisher struct {
	conn   msgPublisher
	prefix string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &Publisher{prefix: prefix}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Subject maps an event type to its NATS subject, e.g. rides.assigned.
func Subject(prefix string, eventType domain.EventType) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + strings.TrimPrefix(string(eventType), "ride.")
}

// NewMessage builds the NATS message for an encoded ride event. Direct
// publishes and outbox deliveries share it, so consumers see one format.
func NewMessage(ctx context.Context, prefix string, eventType domain.EventType, rideID uuid.UUID, payload []byte) *nats.Msg {
	msg := nats.NewMsg(Subject(prefix, eventType))
	msg.Data = payload
	msg.Header.Set("x-event-type", string(eventType))
	msg.Header.Set("x-ride-id", rideID.String())
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	return msg
}

// Encode returns the message body for an event.
func Encode(event domain.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return payload, nil
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	return p.conn.PublishMsg(NewMessage(ctx, p.prefix, event.Type, event.RideID, payload))
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
