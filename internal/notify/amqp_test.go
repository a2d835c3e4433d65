package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/ride/domain"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublisherRoutesByEventAndRide(t *testing.T) {
	ch := &fakeChannel{}
	pub := &AMQPPublisher{ch: ch, exchange: "rides"}
	ev := domain.Event{Type: domain.EventRideCancelled, RideID: uuid.New(), At: time.Unix(1700000000, 0).UTC()}

	require.NoError(t, pub.Publish(context.Background(), ev))
	require.Equal(t, "rides", ch.exchange)
	require.Equal(t, "ride.cancelled."+ev.RideID.String(), ch.key)
	require.Equal(t, "application/json", ch.msg.ContentType)
	require.Equal(t, uint8(amqp.Persistent), ch.msg.DeliveryMode)

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	require.Equal(t, ev.RideID, decoded.RideID)
	require.NoError(t, pub.Close())
}
