package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// Schema creates the rides table. The partial unique index enforces at most one
// non-terminal ride per driver in the database as well; an unset status counts
// as Pending.
const Schema = `
CREATE TABLE IF NOT EXISTS rides (
	id                  UUID PRIMARY KEY,
	customer_id         TEXT NOT NULL,
	driver_id           TEXT,
	pickup_label        TEXT NOT NULL DEFAULT '',
	pickup_lat          DOUBLE PRECISION NOT NULL,
	pickup_lng          DOUBLE PRECISION NOT NULL,
	dropoff_label       TEXT NOT NULL DEFAULT '',
	dropoff_lat         DOUBLE PRECISION NOT NULL,
	dropoff_lng         DOUBLE PRECISION NOT NULL,
	status              TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	started_at          TIMESTAMPTZ,
	ended_at            TIMESTAMPTZ,
	driver_arrived      BOOLEAN NOT NULL DEFAULT FALSE,
	passenger_picked_up BOOLEAN NOT NULL DEFAULT FALSE,
	version             BIGINT NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS rides_active_driver_v2_idx
	ON rides (driver_id) WHERE driver_id IS NOT NULL AND (status IS NULL OR status IN ('Pending', 'Ongoing'));
DROP INDEX IF EXISTS rides_active_driver_idx;
CREATE INDEX IF NOT EXISTS rides_customer_idx ON rides (customer_id, created_at DESC);
`

const rideColumns = `id, customer_id, driver_id, pickup_label, pickup_lat, pickup_lng,
	dropoff_label, dropoff_lat, dropoff_lng, status, created_at, started_at, ended_at,
	driver_arrived, passenger_picked_up, version`

// PostgresStore persists rides through database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("%w: migrate rides: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, ride domain.Ride) error {
	if ride.Version == 0 {
		ride.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		ride.ID, ride.CustomerID, ride.DriverID,
		ride.Pickup.Label, ride.Pickup.Point.Lat, ride.Pickup.Point.Lng,
		ride.Dropoff.Label, ride.Dropoff.Point.Lat, ride.Dropoff.Point.Lng,
		nullStatus(ride.Status), ride.CreatedAt, ride.StartedAt, ride.EndedAt,
		ride.DriverArrived, ride.PassengerPickedUp, ride.Version)
	if err != nil {
		return fmt.Errorf("%w: insert ride: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	ride, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ride{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("%w: select ride: %w", domain.ErrPersistence, err)
	}
	return ride, nil
}

// Update locks the ride row for the duration of fn.
func (p *PostgresStore) Update(ctx context.Context, id uuid.UUID, fn func(*domain.Ride) error) (domain.Ride, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Ride{}, fmt.Errorf("%w: begin tx: %w", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	ride, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ride{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("%w: lock ride: %w", domain.ErrPersistence, err)
	}

	if err := fn(&ride); err != nil {
		return domain.Ride{}, err
	}
	ride.ID = id
	ride.Version++

	_, err = tx.ExecContext(ctx, `UPDATE rides SET driver_id = $2, status = $3, started_at = $4, ended_at = $5,
		driver_arrived = $6, passenger_picked_up = $7, version = $8 WHERE id = $1`,
		id, ride.DriverID, nullStatus(ride.Status), ride.StartedAt, ride.EndedAt,
		ride.DriverArrived, ride.PassengerPickedUp, ride.Version)
	if err != nil {
		return domain.Ride{}, fmt.Errorf("%w: update ride: %w", domain.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Ride{}, fmt.Errorf("%w: commit ride: %w", domain.ErrPersistence, err)
	}
	return ride, nil
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (domain.Ride, bool, error) {
	ride, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id = $1 AND (status IS NULL OR status IN ('Pending', 'Ongoing')) LIMIT 1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ride{}, false, nil
	}
	if err != nil {
		return domain.Ride{}, false, fmt.Errorf("%w: select active ride: %w", domain.ErrPersistence, err)
	}
	return ride, true, nil
}

func (p *PostgresStore) List(ctx context.Context, filter domain.RideFilter) ([]domain.Ride, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clause := fmt.Sprintf("status = $%d", len(args))
		if filter.Status == domain.StatusPending {
			clause = fmt.Sprintf("(status = $%d OR status IS NULL)", len(args))
		}
		where = append(where, clause)
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if filter.DriverID != "" {
		args = append(args, filter.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	query := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list rides: %w", domain.ErrPersistence, err)
	}
	defer rows.Close()
	var out []domain.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan ride: %w", domain.ErrPersistence, err)
		}
		out = append(out, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rides: %w", domain.ErrPersistence, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (domain.Ride, error) {
	var (
		ride     domain.Ride
		driverID sql.NullString
		status   sql.NullString
		started  sql.NullTime
		ended    sql.NullTime
	)
	err := row.Scan(&ride.ID, &ride.CustomerID, &driverID,
		&ride.Pickup.Label, &ride.Pickup.Point.Lat, &ride.Pickup.Point.Lng,
		&ride.Dropoff.Label, &ride.Dropoff.Point.Lat, &ride.Dropoff.Point.Lng,
		&status, &ride.CreatedAt, &started, &ended,
		&ride.DriverArrived, &ride.PassengerPickedUp, &ride.Version)
	if err != nil {
		return domain.Ride{}, err
	}
	if driverID.Valid {
		ride.DriverID = &driverID.String
	}
	// NULL stays unset; the Pending default is applied only when displayed.
	if status.Valid {
		ride.Status = domain.RideStatus(status.String)
	}
	if started.Valid {
		t := started.Time.UTC()
		ride.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		ride.EndedAt = &t
	}
	ride.CreatedAt = ride.CreatedAt.UTC()
	return ride, nil
}

func nullStatus(s domain.RideStatus) sql.NullString {
	return sql.NullString{String: string(s), Valid: s != ""}
}
