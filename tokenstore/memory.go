package tokenstore

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	payload   Payload
	expiresAt time.Time
}

// Memory is a process-local Store. The mutex is the synchronization point
// that makes Take atomic: the first caller removes the entry, later callers
// observe absence.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		entries: map[string]entry{},
		now:     time.Now,
	}
}

// WithClock overrides the clock (useful for expiry tests)
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	if clock != nil {
		m.now = clock
	}
	return m
}

// Set stores the payload under key with the given TTL, replacing any entry
func (m *Memory) Set(ctx context.Context, key string, payload Payload, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{
		payload:   payload,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

// Get returns the payload if present and unexpired
func (m *Memory) Get(ctx context.Context, key string) (Payload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Payload{}, false, nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return Payload{}, false, nil
	}
	return e.payload, true, nil
}

// Delete removes the entry for key, if any
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Take removes and returns the entry in a single critical section
func (m *Memory) Take(ctx context.Context, key string) (Payload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Payload{}, false, nil
	}
	delete(m.entries, key)
	if m.now().After(e.expiresAt) {
		return Payload{}, false, nil
	}
	return e.payload, true, nil
}
