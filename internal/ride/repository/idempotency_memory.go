package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyRepo remembers the response body returned for an
// Idempotency-Key so a retried ride request replays it instead of claiming
// a second driver.
type MemoryIdempotencyRepo struct {
	mu        sync.Mutex
	ttl       time.Duration
	responses map[string]idempotentResponse
}

type idempotentResponse struct {
	payload []byte
	stored  time.Time
}

// NewMemoryIdempotencyRepo constructs the repository. A non-positive ttl keeps
// responses forever.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{ttl: ttl, responses: make(map[string]idempotentResponse)}
}

// GetResponse retrieves a cached response.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.responses[key]
	if !ok {
		return nil, false, nil
	}
	if m.ttl > 0 && time.Since(resp.stored) > m.ttl {
		delete(m.responses, key)
		return nil, false, nil
	}
	return append([]byte(nil), resp.payload...), true, nil
}

// PutResponse stores a response payload. The first stored response for a key wins.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.responses[key]; ok && (m.ttl <= 0 || time.Since(existing.stored) <= m.ttl) {
		return nil
	}
	m.responses[key] = idempotentResponse{payload: append([]byte(nil), payload...), stored: time.Now()}
	return nil
}
