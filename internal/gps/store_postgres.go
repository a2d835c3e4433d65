package gps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// PostgresSchema creates the report history and the latest view per ride.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS gps_reports (
	id          BIGSERIAL PRIMARY KEY,
	ride_id     UUID NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	eta_seconds INTEGER NOT NULL,
	route       TEXT NOT NULL DEFAULT '',
	observed_at TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS gps_reports_ride_idx ON gps_reports (ride_id, observed_at, id);
CREATE TABLE IF NOT EXISTS gps_latest (
	ride_id     UUID PRIMARY KEY,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	eta_seconds INTEGER NOT NULL,
	route       TEXT NOT NULL DEFAULT '',
	observed_at TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
`

const gpsColumns = `ride_id, lat, lng, eta_seconds, route, observed_at, received_at`

// PostgresStore keeps reports in the rides database. The latest view is an
// upsert guarded on observed_at, so the row lock taken by ON CONFLICT
// serialises competing writers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies PostgresSchema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("%w: migrate gps: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, report domain.GPSReport, limit int) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin tx: %w", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{report.RideID, report.Point.Lat, report.Point.Lng, report.ETASeconds,
		report.Route, report.ObservedAt, report.ReceivedAt}
	if _, err := tx.ExecContext(ctx, `INSERT INTO gps_reports (`+gpsColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, args...); err != nil {
		return false, fmt.Errorf("%w: insert gps report: %w", domain.ErrPersistence, err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO gps_latest (`+gpsColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (ride_id) DO UPDATE SET
			lat = EXCLUDED.lat, lng = EXCLUDED.lng, eta_seconds = EXCLUDED.eta_seconds,
			route = EXCLUDED.route, observed_at = EXCLUDED.observed_at, received_at = EXCLUDED.received_at
		WHERE gps_latest.observed_at <= EXCLUDED.observed_at`, args...)
	if err != nil {
		return false, fmt.Errorf("%w: upsert gps latest: %w", domain.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: upsert gps latest: %w", domain.ErrPersistence, err)
	}

	if limit > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM gps_reports WHERE id IN (
			SELECT id FROM gps_reports WHERE ride_id = $1
			ORDER BY observed_at DESC, id DESC OFFSET $2)`, report.RideID, limit); err != nil {
			return false, fmt.Errorf("%w: trim gps history: %w", domain.ErrPersistence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit gps report: %w", domain.ErrPersistence, err)
	}
	return n == 1, nil
}

func (p *PostgresStore) Latest(ctx context.Context, rideID uuid.UUID) (domain.GPSReport, error) {
	report, err := scanReport(p.db.QueryRowContext(ctx, `SELECT `+gpsColumns+` FROM gps_latest WHERE ride_id = $1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GPSReport{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.GPSReport{}, fmt.Errorf("%w: select gps latest: %w", domain.ErrPersistence, err)
	}
	return report, nil
}

func (p *PostgresStore) History(ctx context.Context, rideID uuid.UUID, limit int) ([]domain.GPSReport, error) {
	query := `SELECT ` + gpsColumns + ` FROM (
		SELECT ` + gpsColumns + `, id FROM gps_reports WHERE ride_id = $1
		ORDER BY observed_at DESC, id DESC`
	args := []any{rideID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	query += `) recent ORDER BY observed_at, id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select gps history: %w", domain.ErrPersistence, err)
	}
	defer rows.Close()
	history := []domain.GPSReport{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan gps report: %w", domain.ErrPersistence, err)
		}
		history = append(history, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate gps history: %w", domain.ErrPersistence, err)
	}
	return history, nil
}

// Prune deletes every ride whose newest received report predates before and
// returns how many rides were dropped.
func (p *PostgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	var pruned int
	err := p.db.QueryRowContext(ctx, `WITH stale AS (
			SELECT ride_id FROM gps_reports GROUP BY ride_id HAVING max(received_at) < $1
		), latest AS (
			DELETE FROM gps_latest l USING stale WHERE l.ride_id = stale.ride_id
		), history AS (
			DELETE FROM gps_reports r USING stale WHERE r.ride_id = stale.ride_id
		)
		SELECT count(*) FROM stale`, before).Scan(&pruned)
	if err != nil {
		return 0, fmt.Errorf("%w: prune gps: %w", domain.ErrPersistence, err)
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (domain.GPSReport, error) {
	var r domain.GPSReport
	err := row.Scan(&r.RideID, &r.Point.Lat, &r.Point.Lng, &r.ETASeconds, &r.Route, &r.ObservedAt, &r.ReceivedAt)
	if err != nil {
		return domain.GPSReport{}, err
	}
	r.ObservedAt = r.ObservedAt.UTC()
	r.ReceivedAt = r.ReceivedAt.UTC()
	return r, nil
}
