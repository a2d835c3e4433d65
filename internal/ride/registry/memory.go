package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// MemoryRegistry keeps driver availability in process. A single mutex guards
// the whole table, which makes Claim atomic across concurrent callers.
type MemoryRegistry struct {
	mu      sync.Mutex
	drivers map[string]*domain.Driver
	clock   domain.Clock
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry(clock domain.Clock) *MemoryRegistry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryRegistry{drivers: make(map[string]*domain.Driver), clock: clock}
}

// Register adds a driver as available. Known drivers keep their state.
func (m *MemoryRegistry) Register(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[driverID]; !ok {
		m.drivers[driverID] = &domain.Driver{ID: driverID, Available: true}
	}
	return nil
}

// Claim takes the available driver with the lowest id.
func (m *MemoryRegistry) Claim(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Driver
	for _, d := range m.drivers {
		if d.Available && (best == nil || d.ID < best.ID) {
			best = d
		}
	}
	if best == nil {
		claimsTotal.WithLabelValues("none").Inc()
		return "", false, nil
	}
	best.Available = false
	claimsTotal.WithLabelValues("claimed").Inc()
	return best.ID, true, nil
}

// ClaimDriver claims one specific driver.
func (m *MemoryRegistry) ClaimDriver(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return unknownDriver(driverID)
	}
	if !d.Available {
		claimsTotal.WithLabelValues("busy").Inc()
		return domain.ErrNoDriverAvailable
	}
	d.Available = false
	claimsTotal.WithLabelValues("claimed").Inc()
	return nil
}

// Release marks the driver available again; releasing a free driver is a no-op.
func (m *MemoryRegistry) Release(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return unknownDriver(driverID)
	}
	if !d.Available {
		releasesTotal.Inc()
	}
	d.Available = true
	return nil
}

// SetLocation records the driver's last known position.
func (m *MemoryRegistry) SetLocation(_ context.Context, driverID string, point domain.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return unknownDriver(driverID)
	}
	now := m.clock.Now()
	p := point
	d.Location = &p
	d.LocationAt = &now
	return nil
}

// Get returns a copy of the driver.
func (m *MemoryRegistry) Get(_ context.Context, driverID string) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return domain.Driver{}, unknownDriver(driverID)
	}
	return copyDriver(d), nil
}

// List returns every driver ordered by id.
func (m *MemoryRegistry) List(_ context.Context) ([]domain.Driver, error) {
	m.mu.Lock()
	out := make([]domain.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, copyDriver(d))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyDriver(d *domain.Driver) domain.Driver {
	out := *d
	if d.Location != nil {
		p := *d.Location
		out.Location = &p
	}
	if d.LocationAt != nil {
		at := *d.LocationAt
		out.LocationAt = &at
	}
	return out
}

func unknownDriver(driverID string) error {
	return fmt.Errorf("%w: %s", domain.ErrUnknownDriver, driverID)
}
