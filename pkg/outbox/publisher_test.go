package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/ride/domain"
)

type capturePublisher struct{ msgs []*nats.Msg }

func (c *capturePublisher) PublishMsg(msg *nats.Msg) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestPublisherSubjectPerEventType(t *testing.T) {
	conn := &capturePublisher{}
	pub := &Publisher{conn: conn, prefix: "dispatch"}
	ev := domain.Event{Type: domain.EventRideCompleted, RideID: uuid.New(), DriverID: "D1", Status: domain.StatusCompleted}

	require.NoError(t, pub.Publish(context.Background(), ev))
	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	require.Equal(t, "dispatch.completed", msg.Subject)
	require.Equal(t, string(domain.EventRideCompleted), msg.Header.Get("x-event-type"))
	require.Equal(t, ev.RideID.String(), msg.Header.Get("x-ride-id"))

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "D1", decoded.DriverID)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var pub *Publisher
	require.NoError(t, pub.Publish(context.Background(), domain.Event{}))
	require.NoError(t, NewPublisher(nil, "").Publish(context.Background(), domain.Event{}))
	require.Equal(t, "rides.assigned", Subject("", domain.EventRideAssigned))
}
