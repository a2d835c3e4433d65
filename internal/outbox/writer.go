package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/ridedispatch/internal/ride/domain"
	pkgoutbox "github.com/example/ridedispatch/pkg/outbox"
)

// Schema creates the ride_events log drained by Worker. A row is pending until
// it is either delivered or abandoned after too many failed attempts.
const Schema = `
CREATE TABLE IF NOT EXISTS ride_events (
	seq          BIGSERIAL PRIMARY KEY,
	ride_id      UUID NOT NULL,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	delivered_at TIMESTAMPTZ,
	abandoned_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ride_events_pending_idx ON ride_events (seq)
	WHERE delivered_at IS NULL AND abandoned_at IS NULL;
CREATE INDEX IF NOT EXISTS ride_events_ride_idx ON ride_events (ride_id, seq);
`

// Writer appends ride events to Postgres for the Worker to deliver.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Migrate applies Schema.
func (w *Writer) Migrate(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("%w: migrate ride events: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Publish satisfies domain.EventPublisher.
func (w *Writer) Publish(ctx context.Context, event domain.Event) error {
	payload, err := pkgoutbox.Encode(event)
	if err != nil {
		return err
	}
	occurred := sql.NullTime{Time: event.At, Valid: !event.At.IsZero()}
	_, err = w.db.ExecContext(ctx, `INSERT INTO ride_events (ride_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))`,
		event.RideID, string(event.Type), payload, occurred)
	if err != nil {
		return fmt.Errorf("%w: insert ride event: %w", domain.ErrPersistence, err)
	}
	return nil
}
