package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownRide       = fmt.Errorf("unknown ride: %w", ErrNotFound)
	ErrUnknownDriver     = fmt.Errorf("unknown driver: %w", ErrNotFound)
	ErrNoDriverAvailable = errors.New("no driver available")
	ErrInvalidTransition = errors.New("invalid ride state transition")
	ErrPersistence       = errors.New("persistence failure")
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a pickup or dropoff: the text label shown to users plus coordinates.
type Place struct {
	Label string   `json:"label"`
	Point GeoPoint `json:"point"`
}

type Driver struct {
	ID         string     `json:"driver_id"`
	Available  bool       `json:"available"`
	Location   *GeoPoint  `json:"location,omitempty"`
	LocationAt *time.Time `json:"location_at,omitempty"`
}

type Ride struct {
	ID                uuid.UUID  `json:"ride_id"`
	CustomerID        string     `json:"customer_id"`
	DriverID          *string    `json:"driver_id,omitempty"`
	Pickup            Place      `json:"pickup"`
	Dropoff           Place      `json:"dropoff"`
	Status            RideStatus `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DriverArrived     bool       `json:"driver_arrived"`
	PassengerPickedUp bool       `json:"passenger_picked_up"`
	Version           int64      `json:"version"`
}

// AssignedDriver returns the driver id or "" when the ride has none yet.
func (r Ride) AssignedDriver() string {
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

type GPSReport struct {
	RideID     uuid.UUID `json:"ride_id"`
	Point      GeoPoint  `json:"point"`
	ETASeconds int       `json:"eta"`
	Route      string    `json:"route,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	ReceivedAt time.Time `json:"received_at"`
}

type EventType string

const (
	EventRideRequested EventType = "ride.requested"
	EventRideAssigned  EventType = "ride.assigned"
	EventRideCompleted EventType = "ride.completed"
	EventRideCancelled EventType = "ride.cancelled"
)

// Event is a ride notification handed to the notification sink.
type Event struct {
	Type       EventType  `json:"type"`
	RideID     uuid.UUID  `json:"ride_id"`
	CustomerID string     `json:"customer_id"`
	DriverID   string     `json:"driver_id,omitempty"`
	Status     RideStatus `json:"status"`
	At         time.Time  `json:"at"`
}

// NewEvent builds the notification for the ride's current state.
func NewEvent(t EventType, ride Ride, at time.Time) Event {
	return Event{
		Type:       t,
		RideID:     ride.ID,
		CustomerID: ride.CustomerID,
		DriverID:   ride.AssignedDriver(),
		Status:     ride.Status,
		At:         at,
	}
}

// Registry tracks driver availability and hands out exclusive claims.
type Registry interface {
	Register(ctx context.Context, driverID string) error
	Claim(ctx context.Context) (string, bool, error)
	ClaimDriver(ctx context.Context, driverID string) error
	Release(ctx context.Context, driverID string) error
	SetLocation(ctx context.Context, driverID string, point GeoPoint) error
	Get(ctx context.Context, driverID string) (Driver, error)
	List(ctx context.Context) ([]Driver, error)
}

// RideFilter narrows List results; zero fields match everything.
type RideFilter struct {
	Status     RideStatus
	CustomerID string
	DriverID   string
	Limit      int
}

// RideStore owns ride records. Update runs fn with exclusive access to one ride
// and persists the result only when fn returns nil.
type RideStore interface {
	Create(ctx context.Context, ride Ride) error
	Get(ctx context.Context, id uuid.UUID) (Ride, error)
	Update(ctx context.Context, id uuid.UUID, fn func(*Ride) error) (Ride, error)
	ActiveRideForDriver(ctx context.Context, driverID string) (Ride, bool, error)
	List(ctx context.Context, filter RideFilter) ([]Ride, error)
}

// IdempotencyRepository remembers the first response produced for a client
// supplied Idempotency-Key.
type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
