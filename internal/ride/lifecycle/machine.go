package lifecycle

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

// Machine applies lifecycle actions to rides. Each action runs inside the
// store's per-ride update; a driver freed by a terminal transition is released
// only after that update has committed.
type Machine struct {
	store    domain.RideStore
	registry domain.Registry
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New constructs a Machine. events may be nil.
func New(store domain.RideStore, registry domain.Registry, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *Machine {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:    store,
		registry: registry,
		events:   events,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("ride.lifecycle"),
	}
}

// Assign moves a Pending ride to Ongoing with the given driver. The caller
// must already hold the driver's claim and is responsible for releasing it
// if Assign fails.
func (m *Machine) Assign(ctx context.Context, rideID uuid.UUID, driverID string) (domain.Ride, error) {
	if driverID == "" {
		return domain.Ride{}, errors.New("assign requires a driver id")
	}
	return m.apply(ctx, rideID, domain.ActionAssign, func(r *domain.Ride, now time.Time) {
		id := driverID
		r.DriverID = &id
		r.StartedAt = &now
	})
}

func (m *Machine) Cancel(ctx context.Context, rideID uuid.UUID) (domain.Ride, error) {
	return m.apply(ctx, rideID, domain.ActionCancel, func(r *domain.Ride, now time.Time) {
		r.EndedAt = &now
	})
}

func (m *Machine) Complete(ctx context.Context, rideID uuid.UUID) (domain.Ride, error) {
	return m.apply(ctx, rideID, domain.ActionComplete, func(r *domain.Ride, now time.Time) {
		r.EndedAt = &now
	})
}

// MarkDriverArrived is idempotent while the ride is Ongoing.
func (m *Machine) MarkDriverArrived(ctx context.Context, rideID uuid.UUID) (domain.Ride, error) {
	return m.apply(ctx, rideID, domain.ActionDriverArrived, func(r *domain.Ride, _ time.Time) {
		r.DriverArrived = true
	})
}

// MarkPassengerPickedUp is idempotent while the ride is Ongoing.
func (m *Machine) MarkPassengerPickedUp(ctx context.Context, rideID uuid.UUID) (domain.Ride, error) {
	return m.apply(ctx, rideID, domain.ActionPassengerPickup, func(r *domain.Ride, _ time.Time) {
		r.PassengerPickedUp = true
	})
}

func (m *Machine) apply(ctx context.Context, rideID uuid.UUID, action domain.Action, mutate func(*domain.Ride, time.Time)) (domain.Ride, error) {
	ctx, span := m.tracer.Start(ctx, "ride.transition", trace.WithAttributes(
		attribute.String("ride.id", rideID.String()),
		attribute.String("ride.action", string(action)),
	))
	defer span.End()

	var (
		release  string
		previous domain.RideStatus
	)
	updated, err := m.store.Update(ctx, rideID, func(r *domain.Ride) error {
		next, err := domain.Next(r.Status, action)
		if err != nil {
			return err
		}
		previous = r.Status
		mutate(r, m.clock.Now())
		r.Status = next
		if next.Terminal() {
			release = r.AssignedDriver()
		}
		return nil
	})
	if err != nil {
		m.record(span, action, err)
		if errors.Is(err, domain.ErrPersistence) {
			m.logger.Error("ride transition failed", zap.String("ride_id", rideID.String()), zap.String("action", string(action)), zap.Error(err))
		} else {
			m.logger.Debug("ride transition rejected", zap.String("ride_id", rideID.String()), zap.String("action", string(action)), zap.Error(err))
		}
		return domain.Ride{}, err
	}

	if release != "" {
		if err := m.registry.Release(context.WithoutCancel(ctx), release); err != nil {
			err = fmt.Errorf("%w: release driver %s: %w", domain.ErrPersistence, release, err)
			m.record(span, action, err)
			m.logger.Error("driver release after transition failed", zap.String("ride_id", rideID.String()), zap.String("driver_id", release), zap.Error(err))
			return updated, err
		}
	}

	m.record(span, action, nil)
	m.logger.Debug("ride transitioned",
		zap.String("ride_id", rideID.String()),
		zap.String("action", string(action)),
		zap.String("from", string(previous.OrDefault())),
		zap.String("to", string(updated.Status)))
	m.notify(ctx, action, updated)
	return updated, nil
}

func (m *Machine) notify(ctx context.Context, action domain.Action, ride domain.Ride) {
	if m.events == nil {
		return
	}
	var typ domain.EventType
	switch action {
	case domain.ActionAssign:
		typ = domain.EventRideAssigned
	case domain.ActionComplete:
		typ = domain.EventRideCompleted
	case domain.ActionCancel:
		typ = domain.EventRideCancelled
	default:
		return
	}
	if err := m.events.Publish(ctx, domain.NewEvent(typ, ride, m.clock.Now())); err != nil {
		m.logger.Warn("publish ride event", zap.String("ride_id", ride.ID.String()), zap.Error(err))
	}
}

func (m *Machine) record(span trace.Span, action domain.Action, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPersistence):
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		result = "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		result = "rejected"
	default:
		result = "error"
	}
	transitionsTotal.WithLabelValues(string(action), result).Inc()
}
