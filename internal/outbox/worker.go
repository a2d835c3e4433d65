package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/ride/domain"
	pkgoutbox "github.com/example/ridedispatch/pkg/outbox"
)

// WorkerConfig tunes delivery. RetryMax is the number of attempts an event
// gets before it is abandoned.
type WorkerConfig struct {
	SubjectPrefix string
	PollInterval  time.Duration
	BatchSize     int
	RetryMax      int
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker delivers pending ride events to NATS in sequence order. Rows are
// locked with SKIP LOCKED so several dispatch processes can share the table.
// A failed event stops its batch, so later events never overtake it; the
// next poll retries it.
type Worker struct {
	db        *sql.DB
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = pkgoutbox.DefaultSubjectPrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		db:     db,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("ride.outbox.worker"),
	}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

// Run delivers on every poll until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.deliverBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("ride event delivery failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type pendingEvent struct {
	seq        int64
	rideID     uuid.UUID
	eventType  domain.EventType
	payload    []byte
	occurredAt time.Time
	attempts   int
}

// deliverBatch returns how many events reached NATS. The error is the first
// delivery failure, if any, joined with bookkeeping failures.
func (w *Worker) deliverBatch(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.deliver_batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	events, err := w.lockPending(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.pending", len(events)))

	var (
		delivered   []int64
		oldest      time.Time
		deliveryErr error
	)
	for _, ev := range events {
		if err := w.deliver(ctx, ev); err != nil {
			deliveryErr = err
			if markErr := w.recordFailure(ctx, tx, ev, err); markErr != nil {
				deliveryErr = errors.Join(deliveryErr, markErr)
			}
			break
		}
		delivered = append(delivered, ev.seq)
		deliveredTotal.WithLabelValues(string(ev.eventType)).Inc()
		if oldest.IsZero() || ev.occurredAt.Before(oldest) {
			oldest = ev.occurredAt
		}
	}
	if len(delivered) > 0 {
		deliveryLagSeconds.Set(time.Since(oldest).Seconds())
		if _, err := tx.ExecContext(ctx, `UPDATE ride_events SET delivered_at = now(), attempts = attempts + 1
			WHERE seq = ANY($1)`, delivered); err != nil {
			return 0, errors.Join(deliveryErr, fmt.Errorf("mark delivered: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Join(deliveryErr, fmt.Errorf("commit ride events: %w", err))
	}
	if deliveryErr != nil {
		span.RecordError(deliveryErr)
		span.SetStatus(codes.Error, deliveryErr.Error())
	}
	return len(delivered), deliveryErr
}

func (w *Worker) lockPending(ctx context.Context, tx *sql.Tx) ([]pendingEvent, error) {
	rows, err := tx.QueryContext(ctx, `SELECT seq, ride_id, event_type, payload, occurred_at, attempts
		FROM ride_events
		WHERE delivered_at IS NULL AND abandoned_at IS NULL
		ORDER BY seq LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select ride events: %w", err)
	}
	defer rows.Close()
	var events []pendingEvent
	for rows.Next() {
		var (
			ev        pendingEvent
			eventType string
		)
		if err := rows.Scan(&ev.seq, &ev.rideID, &eventType, &ev.payload, &ev.occurredAt, &ev.attempts); err != nil {
			return nil, fmt.Errorf("scan ride event: %w", err)
		}
		ev.eventType = domain.EventType(eventType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ride events: %w", err)
	}
	return events, nil
}

func (w *Worker) deliver(ctx context.Context, ev pendingEvent) error {
	ctx, span := w.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("ride.id", ev.rideID.String()),
		attribute.String("event.type", string(ev.eventType)),
	))
	defer span.End()

	msg := pkgoutbox.NewMessage(ctx, w.cfg.SubjectPrefix, ev.eventType, ev.rideID, ev.payload)
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("ride-event-%d", ev.seq))
	if err := w.publisher.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deliver ride event %d: %w", ev.seq, err)
	}
	return nil
}

// recordFailure counts the attempt and abandons the event once it has used
// all of them.
func (w *Worker) recordFailure(ctx context.Context, tx *sql.Tx, ev pendingEvent, cause error) error {
	failedAttemptsTotal.Inc()
	attempts := ev.attempts + 1
	abandon := attempts >= w.cfg.RetryMax
	_, err := tx.ExecContext(ctx, `UPDATE ride_events SET attempts = $2, last_error = $3,
		abandoned_at = CASE WHEN $4 THEN now() END WHERE seq = $1`,
		ev.seq, attempts, cause.Error(), abandon)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	fields := []zap.Field{
		zap.Int64("seq", ev.seq),
		zap.String("ride_id", ev.rideID.String()),
		zap.String("event_type", string(ev.eventType)),
		zap.Int("attempt", attempts),
		zap.Error(cause),
	}
	if abandon {
		abandonedTotal.Inc()
		w.logger.Error("ride event abandoned", fields...)
	} else {
		w.logger.Warn("ride event delivery will be retried", fields...)
	}
	return nil
}
