package dedupe

import (
	"context"
	"sync"
	"time"
)

// Memory keeps accepted keys in a map. Expiry is checked lazily on Accept;
// Evict drops stale entries and is meant to run periodically.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	now      func() time.Time
	accepted map[string]time.Time
}

var _ Deduplicator = (*Memory)(nil)

func NewMemory(window time.Duration, now func() time.Time) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{
		window:   window,
		now:      now,
		accepted: make(map[string]time.Time),
	}
}

func (m *Memory) Accept(_ context.Context, key string) (Verdict, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.accepted[key]; ok && now.Sub(at) < m.window {
		return RejectedDuplicate, nil
	}
	m.accepted[key] = now
	return Accepted, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.accepted, key)
	m.mu.Unlock()
	return nil
}

// Evict removes every entry older than the window and returns how many were
// removed.
func (m *Memory) Evict(_ context.Context) int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, at := range m.accepted {
		if now.Sub(at) >= m.window {
			delete(m.accepted, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accepted)
}
