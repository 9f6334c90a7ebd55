package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	st       State
	until    time.Time
	consumed bool
}

// MemoryStore is a process-local Store, safe for concurrent use. Expired
// entries are purged opportunistically on writes.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	useCount uint64
	purgeN   uint64
	Now      func() time.Time
}

// NewMemoryStore creates a store that purges every purgeEvery writes (default 1024).
func NewMemoryStore(purgeEvery int) *MemoryStore {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &MemoryStore{
		entries: make(map[string]memEntry, 256),
		purgeN:  uint64(purgeEvery),
		Now:     time.Now,
	}
}

func (m *MemoryStore) Save(_ context.Context, st State, ttl time.Duration) error {
	if strings.TrimSpace(st.State) == "" || strings.TrimSpace(st.Nonce) == "" {
		return errors.New("session: state and nonce are required")
	}
	now := m.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now.UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.useCount++
	if m.useCount%m.purgeN == 0 {
		m.purgeLocked(now)
	}
	if e, ok := m.entries[st.State]; ok && e.until.After(now) {
		return errors.New("session: state collision")
	}
	m.entries[st.State] = memEntry{st: st, until: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, state string) (State, error) {
	now := m.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[state]
	if !ok || !e.until.After(now) {
		delete(m.entries, state)
		return State{}, ErrUnknownState
	}
	if e.consumed {
		return State{}, ErrStateConsumed
	}
	m.entries[state] = memEntry{consumed: true, until: now.Add(tombstoneTTL)}
	return e.st, nil
}

func (m *MemoryStore) purgeLocked(now time.Time) {
	for k, e := range m.entries {
		if !e.until.After(now) {
			delete(m.entries, k)
		}
	}
}
