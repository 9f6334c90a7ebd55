package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps platforms in process memory, keyed by issuer.
type MemoryStore struct {
	mu  sync.RWMutex
	byI map[string]Platform
	now func() time.Time
}

func NewMemoryStore(seed ...Platform) *MemoryStore {
	m := &MemoryStore{byI: map[string]Platform{}, now: time.Now}
	for _, p := range seed {
		_, _ = m.Upsert(context.Background(), p)
	}
	return m
}

func (m *MemoryStore) FindByIssuer(_ context.Context, issuer string) (Platform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byI[NormalizeIssuer(issuer)]
	if !ok {
		return Platform{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) FindByIssuerClientDeployment(ctx context.Context, issuer, clientID, deploymentID string) (Platform, error) {
	p, err := m.FindByIssuer(ctx, issuer)
	if err != nil {
		return Platform{}, err
	}
	if p.ClientID != clientID || p.DeploymentID != deploymentID {
		return Platform{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Upsert(_ context.Context, p Platform) (Platform, error) {
	p = normalize(p)
	now := m.now().UTC().Truncate(time.Second)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byI[p.Issuer]; ok {
		p.CreatedAt = prev.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.byI[p.Issuer] = p
	return p, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Platform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Platform, 0, len(m.byI))
	for _, p := range m.byI {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issuer < out[j].Issuer })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, issuer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := NormalizeIssuer(issuer)
	if _, ok := m.byI[k]; !ok {
		return ErrNotFound
	}
	delete(m.byI, k)
	return nil
}
