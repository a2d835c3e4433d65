package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/ride/domain"
	"github.com/example/ridedispatch/internal/ride/lifecycle"
)

// RideRequest is a customer's request for a ride.
type RideRequest struct {
	CustomerID string
	Pickup     domain.Place
	Dropoff    domain.Place
}

// Validate reports missing or out-of-range request fields.
func (r RideRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.CustomerID) == "" {
		errs = append(errs, errors.New("customer_id is required"))
	}
	for name, p := range map[string]domain.GeoPoint{"pickup": r.Pickup.Point, "dropoff": r.Dropoff.Point} {
		if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
			errs = append(errs, fmt.Errorf("%s coordinates out of range", name))
		}
	}
	return errors.Join(errs...)
}

// Matcher pairs ride requests with available drivers.
type Matcher struct {
	registry domain.Registry
	store    domain.RideStore
	machine  *lifecycle.Machine
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New constructs a Matcher. events may be nil.
func New(registry domain.Registry, store domain.RideStore, machine *lifecycle.Machine, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *Matcher {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		registry: registry,
		store:    store,
		machine:  machine,
		events:   events,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("ride.dispatch"),
	}
}

// RequestRide claims the lowest-id available driver and creates an Ongoing
// ride for it. With no driver free it returns ErrNoDriverAvailable and creates
// nothing.
func (m *Matcher) RequestRide(ctx context.Context, req RideRequest) (domain.Ride, error) {
	ctx, span := m.tracer.Start(ctx, "dispatch.request_ride", trace.WithAttributes(attribute.String("customer.id", req.CustomerID)))
	defer span.End()
	start := time.Now()

	driverID, ok, err := m.registry.Claim(ctx)
	if err != nil {
		m.observe(span, start, "error", err)
		return domain.Ride{}, err
	}
	if !ok {
		m.observe(span, start, "no_driver", nil)
		m.logger.Debug("no driver available", zap.String("customer_id", req.CustomerID))
		return domain.Ride{}, domain.ErrNoDriverAvailable
	}

	now := m.clock.Now()
	ride := domain.Ride{
		ID:         uuid.New(),
		CustomerID: req.CustomerID,
		DriverID:   &driverID,
		Pickup:     req.Pickup,
		Dropoff:    req.Dropoff,
		Status:     domain.StatusOngoing,
		CreatedAt:  now,
		StartedAt:  &now,
	}
	if err := m.store.Create(ctx, ride); err != nil {
		err = m.rollback(ctx, driverID, err)
		m.observe(span, start, "error", err)
		m.logger.Error("create ride failed", zap.String("driver_id", driverID), zap.Error(err))
		return domain.Ride{}, err
	}

	m.observe(span, start, "assigned", nil)
	span.SetAttributes(attribute.String("ride.id", ride.ID.String()), attribute.String("driver.id", driverID))
	m.logger.Debug("ride assigned", zap.String("ride_id", ride.ID.String()), zap.String("driver_id", driverID))
	m.publish(ctx, domain.EventRideAssigned, ride)
	return ride, nil
}

// QueueRide records a Pending ride with no driver; it is matched later by
// AssignPending or AcceptRide.
func (m *Matcher) QueueRide(ctx context.Context, req RideRequest) (domain.Ride, error) {
	ride := domain.Ride{
		ID:         uuid.New(),
		CustomerID: req.CustomerID,
		Pickup:     req.Pickup,
		Dropoff:    req.Dropoff,
		Status:     domain.StatusPending,
		CreatedAt:  m.clock.Now(),
	}
	if err := m.store.Create(ctx, ride); err != nil {
		m.logger.Error("queue ride failed", zap.Error(err))
		return domain.Ride{}, err
	}
	m.publish(ctx, domain.EventRideRequested, ride)
	return ride, nil
}

// AssignPending claims any available driver for a Pending ride.
func (m *Matcher) AssignPending(ctx context.Context, rideID uuid.UUID) (domain.Ride, error) {
	ctx, span := m.tracer.Start(ctx, "dispatch.assign_pending", trace.WithAttributes(attribute.String("ride.id", rideID.String())))
	defer span.End()
	start := time.Now()

	if err := m.assignable(ctx, rideID); err != nil {
		m.observe(span, start, "rejected", nil)
		return domain.Ride{}, err
	}
	driverID, ok, err := m.registry.Claim(ctx)
	if err != nil {
		m.observe(span, start, "error", err)
		return domain.Ride{}, err
	}
	if !ok {
		m.observe(span, start, "no_driver", nil)
		return domain.Ride{}, domain.ErrNoDriverAvailable
	}
	ride, err := m.assign(ctx, rideID, driverID)
	if err != nil {
		m.observe(span, start, "error", err)
		return domain.Ride{}, err
	}
	m.observe(span, start, "assigned", nil)
	return ride, nil
}

// AcceptRide assigns a specific driver to a Pending ride. A busy driver yields
// ErrNoDriverAvailable.
func (m *Matcher) AcceptRide(ctx context.Context, rideID uuid.UUID, driverID string) (domain.Ride, error) {
	ctx, span := m.tracer.Start(ctx, "dispatch.accept_ride", trace.WithAttributes(
		attribute.String("ride.id", rideID.String()),
		attribute.String("driver.id", driverID),
	))
	defer span.End()
	start := time.Now()

	if err := m.assignable(ctx, rideID); err != nil {
		m.observe(span, start, "rejected", nil)
		return domain.Ride{}, err
	}
	if err := m.registry.ClaimDriver(ctx, driverID); err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			m.observe(span, start, "error", err)
		} else {
			m.observe(span, start, "no_driver", nil)
		}
		return domain.Ride{}, err
	}
	ride, err := m.assign(ctx, rideID, driverID)
	if err != nil {
		m.observe(span, start, "error", err)
		return domain.Ride{}, err
	}
	m.observe(span, start, "assigned", nil)
	return ride, nil
}

// assignable rejects rides that cannot take a driver before any claim is made.
// The state machine re-checks under the ride lock.
func (m *Matcher) assignable(ctx context.Context, rideID uuid.UUID) error {
	ride, err := m.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	_, err = domain.Next(ride.Status, domain.ActionAssign)
	return err
}

func (m *Matcher) assign(ctx context.Context, rideID uuid.UUID, driverID string) (domain.Ride, error) {
	ride, err := m.machine.Assign(ctx, rideID, driverID)
	if err != nil {
		return domain.Ride{}, m.rollback(ctx, driverID, err)
	}
	return ride, nil
}

// rollback returns a claimed driver to the pool after a failed assignment. It
// runs even when the request context has been cancelled.
func (m *Matcher) rollback(ctx context.Context, driverID string, cause error) error {
	if err := m.registry.Release(context.WithoutCancel(ctx), driverID); err != nil {
		m.logger.Error("release claimed driver", zap.String("driver_id", driverID), zap.Error(err))
		return errors.Join(cause, fmt.Errorf("%w: release driver %s: %w", domain.ErrPersistence, driverID, err))
	}
	return cause
}

func (m *Matcher) publish(ctx context.Context, typ domain.EventType, ride domain.Ride) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, domain.NewEvent(typ, ride, m.clock.Now())); err != nil {
		m.logger.Warn("publish ride event", zap.String("ride_id", ride.ID.String()), zap.Error(err))
	}
}

func (m *Matcher) observe(span trace.Span, start time.Time, result string, err error) {
	matchingDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	assignmentAttempts.WithLabelValues(result).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
