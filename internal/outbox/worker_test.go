package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridedispatch/internal/ride/domain"
)

func TestWorkerPublishesWrittenEvents(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	writer := NewWriter(db)
	require.NoError(t, writer.Migrate(ctx))

	ev := domain.Event{Type: domain.EventRideAssigned, RideID: uuid.New(), DriverID: "D1", Status: domain.StatusOngoing, At: time.Now().UTC()}
	require.NoError(t, writer.Publish(ctx, ev))

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("rides.assigned", func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{SubjectPrefix: "rides", PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	runWorker(t, ctx, worker)

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected outbox message")
	case msg := <-msgCh:
		var got domain.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, ev.RideID, got.RideID)
		require.Equal(t, string(domain.EventRideAssigned), msg.Header.Get("x-event-type"))
		require.Equal(t, ev.RideID.String(), msg.Header.Get("x-ride-id"))
		require.Equal(t, "ride-event-1", msg.Header.Get(nats.MsgIdHdr))
	}
	require.Eventually(t, func() bool { return published(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	writer := NewWriter(db)
	require.NoError(t, writer.Migrate(ctx))
	require.NoError(t, writer.Publish(ctx, domain.Event{Type: domain.EventRideCancelled, RideID: uuid.New()}))

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("rides.cancelled", func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 5, RetryMax: 5})
	worker.publisher = &flakyPublisher{base: nc, failFor: 3}
	runWorker(t, ctx, worker)

	select {
	case <-time.After(15 * time.Second):
		t.Fatal("expected retry publish")
	case msg := <-msgCh:
		require.Equal(t, string(domain.EventRideCancelled), msg.Header.Get("x-event-type"))
	}
	require.Eventually(t, func() bool { return published(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, 4, attempts(t, ctx, db, 1))
}

func TestFailedEventHoldsBackLaterEvents(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	writer := NewWriter(db)
	require.NoError(t, writer.Migrate(ctx))
	rideID := uuid.New()
	for _, typ := range []domain.EventType{domain.EventRideAssigned, domain.EventRideCompleted} {
		require.NoError(t, writer.Publish(ctx, domain.Event{Type: typ, RideID: rideID, At: time.Now().UTC()}))
	}

	conn := &recordingPublisher{failFor: 1}
	worker := NewWorker(db, nil, zap.NewNop(), WorkerConfig{BatchSize: 10, RetryMax: 5})
	worker.publisher = conn

	n, err := worker.deliverBatch(ctx)
	require.ErrorContains(t, err, "simulated nats outage")
	require.Zero(t, n)
	require.Empty(t, conn.subjects, "completed must not overtake the failed assigned event")

	n, err = worker.deliverBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"rides.assigned", "rides.completed"}, conn.subjects)
	require.Equal(t, 2, attempts(t, ctx, db, 1))
	require.Equal(t, 1, attempts(t, ctx, db, 2))
}

func TestEventAbandonedAfterRetryMax(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	writer := NewWriter(db)
	require.NoError(t, writer.Migrate(ctx))
	require.NoError(t, writer.Publish(ctx, domain.Event{Type: domain.EventRideCancelled, RideID: uuid.New()}))
	require.NoError(t, writer.Publish(ctx, domain.Event{Type: domain.EventRideRequested, RideID: uuid.New()}))

	conn := &recordingPublisher{failFor: 2}
	worker := NewWorker(db, nil, zap.NewNop(), WorkerConfig{BatchSize: 10, RetryMax: 2})
	worker.publisher = conn

	for i := 0; i < 2; i++ {
		_, err := worker.deliverBatch(ctx)
		require.Error(t, err)
	}
	var abandoned bool
	var lastError string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT abandoned_at IS NOT NULL, last_error FROM ride_events WHERE seq = 1`).Scan(&abandoned, &lastError))
	require.True(t, abandoned)
	require.Contains(t, lastError, "simulated nats outage")

	n, err := worker.deliverBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"rides.requested"}, conn.subjects)
	require.False(t, published(t, ctx, db, 1))
}

func TestWorkerRequiresCollaborators(t *testing.T) {
	err := NewWorker(nil, nil, nil, WorkerConfig{}).Run(context.Background())
	require.Error(t, err)
}

type flakyPublisher struct {
	base    *nats.Conn
	failFor int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

type recordingPublisher struct {
	failFor  int
	subjects []string
}

func (r *recordingPublisher) PublishMsg(msg *nats.Msg) error {
	if r.failFor > 0 {
		r.failFor--
		return errors.New("simulated nats outage")
	}
	r.subjects = append(r.subjects, msg.Subject)
	return nil
}

func runWorker(t *testing.T, ctx context.Context, worker *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = worker.Run(ctx) }()
}

func openDB(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("ridedispatch"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	t.Helper()
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}

func published(t *testing.T, ctx context.Context, db *sql.DB, seq int64) bool {
	var ok bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT delivered_at IS NOT NULL FROM ride_events WHERE seq = $1`, seq).Scan(&ok))
	return ok
}

func attempts(t *testing.T, ctx context.Context, db *sql.DB, seq int64) int {
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT attempts FROM ride_events WHERE seq = $1`, seq).Scan(&n))
	return n
}
