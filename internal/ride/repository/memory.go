package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// MemoryStore provides an in-memory ride store suitable for tests and local demos.
// Updates to one ride are serialized by that ride's own mutex; the table lock is
// only held for map access.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[uuid.UUID]domain.Ride
	locks    map[uuid.UUID]*sync.Mutex
	byDriver map[string]uuid.UUID
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[uuid.UUID]domain.Ride),
		locks:    make(map[uuid.UUID]*sync.Mutex),
		byDriver: make(map[string]uuid.UUID),
	}
}

// Create stores a new ride.
func (m *MemoryStore) Create(_ context.Context, ride domain.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ride.Version == 0 {
		ride.Version = 1
	}
	m.rides[ride.ID] = cloneRide(ride)
	m.locks[ride.ID] = &sync.Mutex{}
	m.index(ride)
	return nil
}

// Get retrieves a ride.
func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (domain.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return domain.Ride{}, domain.ErrNotFound
	}
	return cloneRide(ride), nil
}

// Update applies fn to a copy of the ride under the ride's lock and stores the
// result when fn succeeds.
func (m *MemoryStore) Update(_ context.Context, id uuid.UUID, fn func(*domain.Ride) error) (domain.Ride, error) {
	m.mu.RLock()
	lock, ok := m.locks[id]
	m.mu.RUnlock()
	if !ok {
		return domain.Ride{}, domain.ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	ride := cloneRide(m.rides[id])
	m.mu.RUnlock()

	if err := fn(&ride); err != nil {
		return domain.Ride{}, err
	}
	ride.ID = id
	ride.Version++

	m.mu.Lock()
	m.rides[id] = cloneRide(ride)
	m.index(ride)
	m.mu.Unlock()
	return ride, nil
}

// ActiveRideForDriver returns the driver's non-terminal ride, if any.
func (m *MemoryStore) ActiveRideForDriver(_ context.Context, driverID string) (domain.Ride, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDriver[driverID]
	if !ok {
		return domain.Ride{}, false, nil
	}
	return cloneRide(m.rides[id]), true, nil
}

// List returns rides matching the filter, newest first.
func (m *MemoryStore) List(_ context.Context, filter domain.RideFilter) ([]domain.Ride, error) {
	m.mu.RLock()
	var out []domain.Ride
	for _, ride := range m.rides {
		if matches(ride, filter) {
			out = append(out, cloneRide(ride))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// index keeps the driver -> active ride lookup in step with ride state.
// Callers hold m.mu for writing.
func (m *MemoryStore) index(ride domain.Ride) {
	driverID := ride.AssignedDriver()
	if driverID == "" {
		return
	}
	if ride.Status.OrDefault().Terminal() {
		if current, ok := m.byDriver[driverID]; ok && current == ride.ID {
			delete(m.byDriver, driverID)
		}
		return
	}
	m.byDriver[driverID] = ride.ID
}

func matches(ride domain.Ride, f domain.RideFilter) bool {
	if f.Status != "" && ride.Status.OrDefault() != f.Status {
		return false
	}
	if f.CustomerID != "" && ride.CustomerID != f.CustomerID {
		return false
	}
	if f.DriverID != "" && ride.AssignedDriver() != f.DriverID {
		return false
	}
	return true
}

func cloneRide(r domain.Ride) domain.Ride {
	out := r
	if r.DriverID != nil {
		id := *r.DriverID
		out.DriverID = &id
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}
