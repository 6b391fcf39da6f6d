package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal/clockwork"
)

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Memory is the in-process Store adapter, and the default Flux runs
// with when no Redis is configured. TTL-bounded reads tolerate stale
// entries per spec §5's "readers tolerate stale entries" — an entry is
// simply dropped on read once its TTL has elapsed.
type Memory struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]entry
}

func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{clock: clock, entries: make(map[string]entry)}
}

func (m *Memory) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && m.clock.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set overwrites key unconditionally: last write wins, per spec §5.
func (m *Memory) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = entry{value: value, expiresAt: expiresAt}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Sweep evicts every expired entry, for a caller that wants to bound
// Memory's footprint under a periodic tick rather than relying solely
// on lazy eviction on Get.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	evicted := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
			evicted++
		}
	}
	return evicted
}

var _ Store = (*Memory)(nil)
