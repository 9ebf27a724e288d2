package repository

import (
	"context"
	"sync"
	"time"
)

type cachedResponse struct {
	payload []byte
	expires time.Time
}

// MemoryIdempotencyRepo caches createRequest responses keyed by Idempotency-Key.
// The first stored payload for a key wins until it expires.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	responses map[string]cachedResponse
}

// NewMemoryIdempotencyRepo constructs the repo. A zero ttl keeps entries forever.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{ttl: ttl, now: time.Now, responses: make(map[string]cachedResponse)}
}

func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.responses[key]
	if !ok || m.expired(value) {
		return nil, false, nil
	}
	return append([]byte(nil), value.payload...), true, nil
}

func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.responses[key]; ok && !m.expired(existing) {
		return nil
	}
	entry := cachedResponse{payload: append([]byte(nil), payload...)}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.responses[key] = entry
	return nil
}

func (m *MemoryIdempotencyRepo) expired(v cachedResponse) bool {
	return !v.expires.IsZero() && m.now().After(v.expires)
}
