package gps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// DefaultHistoryLimit bounds the reports kept per ride when no limit is configured.
const DefaultHistoryLimit = 500

// ReportInput is a location and ETA sample sent by a driver's device.
type ReportInput struct {
	RideID     uuid.UUID
	Point      domain.GeoPoint
	ETASeconds int
	Route      string
	ObservedAt time.Time
}

// Validate reports out-of-range fields.
func (in ReportInput) Validate() error {
	var errs []error
	if in.RideID == uuid.Nil {
		errs = append(errs, errors.New("ride_id is required"))
	}
	if in.Point.Lat < -90 || in.Point.Lat > 90 || in.Point.Lng < -180 || in.Point.Lng > 180 {
		errs = append(errs, errors.New("coordinates out of range"))
	}
	if in.ETASeconds < 0 {
		errs = append(errs, errors.New("eta must not be negative"))
	}
	return errors.Join(errs...)
}

// Ack describes what happened to an accepted report. Latest is false when a
// newer report had already been recorded.
type Ack struct {
	RideID     uuid.UUID `json:"ride_id"`
	Latest     bool      `json:"latest"`
	ObservedAt time.Time `json:"observed_at"`
}

// Sink receives every accepted report. Implementations must not block.
type Sink interface {
	Write(ctx context.Context, report domain.GPSReport) error
}

type rideReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Ride, error)
}

// DefaultRetention is how long a ride's reports survive without a new one.
const DefaultRetention = 24 * time.Hour

// Config tunes the ingest.
type Config struct {
	HistoryLimit int
	Retention    time.Duration
}

// Ingest validates reports and hands them to a Store, which owns ordering
// and last-write-wins. Any number of Ingest instances may share one store.
type Ingest struct {
	rides     rideReader
	store     Store
	registry  domain.Registry
	sink      Sink
	clock     domain.Clock
	logger    *zap.Logger
	limit     int
	retention time.Duration
	tracer    trace.Tracer
}

// New constructs the ingest. A nil store keeps reports in memory; registry
// and sink may be nil.
func New(rides rideReader, store Store, registry domain.Registry, sink Sink, clock domain.Clock, logger *zap.Logger, cfg Config) *Ingest {
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Ingest{
		rides:     rides,
		store:     store,
		registry:  registry,
		sink:      sink,
		clock:     clock,
		logger:    logger,
		limit:     cfg.HistoryLimit,
		retention: cfg.Retention,
		tracer:    otel.Tracer("gps.ingest"),
	}
}

// Report records a sample. The latest view moves only when the sample's
// ObservedAt is not older than the one already stored; older samples still
// enter the history in observation order.
func (g *Ingest) Report(ctx context.Context, in ReportInput) (Ack, error) {
	ctx, span := g.tracer.Start(ctx, "gps.report", trace.WithAttributes(attribute.String("ride.id", in.RideID.String())))
	defer span.End()

	if err := in.Validate(); err != nil {
		reportsTotal.WithLabelValues("invalid").Inc()
		return Ack{}, err
	}
	ride, err := g.ride(ctx, in.RideID)
	if err != nil {
		reportsTotal.WithLabelValues("unknown_ride").Inc()
		return Ack{}, err
	}

	now := g.clock.Now()
	report := domain.GPSReport{
		RideID:     in.RideID,
		Point:      in.Point,
		ETASeconds: in.ETASeconds,
		Route:      in.Route,
		ObservedAt: in.ObservedAt,
		ReceivedAt: now,
	}
	if report.ObservedAt.IsZero() {
		report.ObservedAt = now
	}
	// Stores keep microsecond precision.
	report.ObservedAt = report.ObservedAt.UTC().Truncate(time.Microsecond)
	report.ReceivedAt = report.ReceivedAt.UTC().Truncate(time.Microsecond)
	reportLagSeconds.Observe(now.Sub(report.ObservedAt).Seconds())

	applied, err := g.store.Append(ctx, report, g.limit)
	if err != nil {
		reportsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Ack{}, err
	}

	if applied {
		reportsTotal.WithLabelValues("latest").Inc()
		g.updateDriver(ctx, ride.AssignedDriver(), report.Point)
	} else {
		reportsTotal.WithLabelValues("stale").Inc()
		g.logger.Debug("stale gps report kept in history only",
			zap.String("ride_id", in.RideID.String()),
			zap.Time("observed_at", report.ObservedAt))
	}
	if g.sink != nil {
		if err := g.sink.Write(ctx, report); err != nil {
			sinkFailuresTotal.Inc()
			g.logger.Warn("gps sink write", zap.String("ride_id", in.RideID.String()), zap.Error(err))
		}
	}
	return Ack{RideID: in.RideID, Latest: applied, ObservedAt: report.ObservedAt}, nil
}

// Latest returns the most recently observed report for a ride.
func (g *Ingest) Latest(ctx context.Context, rideID uuid.UUID) (domain.GPSReport, error) {
	return g.store.Latest(ctx, rideID)
}

// History returns up to limit reports in observation order, newest last. A
// non-positive limit returns everything retained.
func (g *Ingest) History(ctx context.Context, rideID uuid.UUID, limit int) ([]domain.GPSReport, error) {
	history, err := g.store.History(ctx, rideID, limit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		if _, err := g.rides.Get(ctx, rideID); err != nil {
			return nil, err
		}
	}
	return history, nil
}

// Prune drops reports for rides that have been silent longer than the
// retention window.
func (g *Ingest) Prune(ctx context.Context) (int, error) {
	pruned, err := g.store.Prune(ctx, g.clock.Now().Add(-g.retention))
	if err != nil {
		return 0, err
	}
	prunedTotal.Add(float64(pruned))
	return pruned, nil
}

// Run prunes on every tick until ctx is cancelled.
func (g *Ingest) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := g.Prune(ctx)
			if err != nil {
				g.logger.Warn("prune gps reports", zap.Error(err))
				continue
			}
			if pruned > 0 {
				g.logger.Info("pruned gps reports", zap.Int("rides", pruned))
			}
		}
	}
}

func (g *Ingest) ride(ctx context.Context, rideID uuid.UUID) (domain.Ride, error) {
	ride, err := g.rides.Get(ctx, rideID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Ride{}, fmt.Errorf("%w: %s", domain.ErrUnknownRide, rideID)
	}
	return ride, err
}

func (g *Ingest) updateDriver(ctx context.Context, driverID string, point domain.GeoPoint) {
	if g.registry == nil || driverID == "" {
		return
	}
	if err := g.registry.SetLocation(ctx, driverID, point); err != nil {
		g.logger.Warn("update driver location", zap.String("driver_id", driverID), zap.Error(err))
	}
}
