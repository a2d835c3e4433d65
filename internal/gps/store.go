package gps

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/ride/domain"
)

// Store persists reports per ride. Append adds the report to the ride's
// history, keeping at most limit entries, and replaces the latest view only
// when the report was not observed before the stored one. The comparison and
// the replacement are a single atomic step for every writer sharing the store.
type Store interface {
	Append(ctx context.Context, report domain.GPSReport, limit int) (bool, error)
	Latest(ctx context.Context, rideID uuid.UUID) (domain.GPSReport, error)
	History(ctx context.Context, rideID uuid.UUID, limit int) ([]domain.GPSReport, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

// MemoryStore keeps reports in process. Each ride has its own lock so reports
// for different rides never contend.
type MemoryStore struct {
	mu     sync.Mutex
	tracks map[uuid.UUID]*track
}

type track struct {
	mu      sync.Mutex
	latest  *domain.GPSReport
	history []domain.GPSReport
	touched time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tracks: make(map[uuid.UUID]*track)}
}

func (m *MemoryStore) Append(_ context.Context, report domain.GPSReport, limit int) (bool, error) {
	m.mu.Lock()
	t, ok := m.tracks[report.RideID]
	if !ok {
		t = &track{}
		m.tracks[report.RideID] = t
	}
	t.mu.Lock()
	m.mu.Unlock()
	defer t.mu.Unlock()

	applied := t.latest == nil || !report.ObservedAt.Before(t.latest.ObservedAt)
	if applied {
		latest := report
		t.latest = &latest
	}
	t.insert(report, limit)
	if report.ReceivedAt.After(t.touched) {
		t.touched = report.ReceivedAt
	}
	return applied, nil
}

func (m *MemoryStore) Latest(_ context.Context, rideID uuid.UUID) (domain.GPSReport, error) {
	t := m.lookup(rideID)
	if t == nil {
		return domain.GPSReport{}, domain.ErrNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return domain.GPSReport{}, domain.ErrNotFound
	}
	return *t.latest, nil
}

func (m *MemoryStore) History(_ context.Context, rideID uuid.UUID, limit int) ([]domain.GPSReport, error) {
	t := m.lookup(rideID)
	if t == nil {
		return []domain.GPSReport{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]domain.GPSReport{}, history...), nil
}

// Prune drops every ride that has not received a report since before.
func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, t := range m.tracks {
		t.mu.Lock()
		stale := t.touched.Before(before)
		t.mu.Unlock()
		if stale {
			delete(m.tracks, id)
			pruned++
		}
	}
	return pruned, nil
}

// Len reports how many rides currently have reports.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

func (m *MemoryStore) lookup(rideID uuid.UUID) *track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks[rideID]
}

// insert places r after every report observed at or before it. Callers hold t.mu.
func (t *track) insert(r domain.GPSReport, limit int) {
	i := sort.Search(len(t.history), func(i int) bool {
		return t.history[i].ObservedAt.After(r.ObservedAt)
	})
	t.history = append(t.history, domain.GPSReport{})
	copy(t.history[i+1:], t.history[i:])
	t.history[i] = r
	if limit > 0 && len(t.history) > limit {
		t.history = append([]domain.GPSReport(nil), t.history[len(t.history)-limit:]...)
	}
}
