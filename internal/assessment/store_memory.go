package assessment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store for tests and single-process dev runs.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]Assessment
	Now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]Assessment{}, Now: time.Now}
}

func (m *MemoryStore) now() time.Time { return m.Now().UTC().Truncate(time.Second) }

func (m *MemoryStore) Create(_ context.Context, n NewAssessment) (Assessment, error) {
	n = n.WithDefaults()
	if err := n.Validate(); err != nil {
		return Assessment{}, err
	}
	now := m.now()
	a := Assessment{
		ID: uuid.NewString(), UserID: n.UserID, CourseID: n.CourseID, ResourceLinkID: n.ResourceLinkID,
		LineItemURL: n.LineItemURL, Issuer: n.Issuer, ClientID: n.ClientID, DeploymentID: n.DeploymentID,
		ScoreGiven: n.ScoreGiven, ScoreMaximum: n.ScoreMaximum, Comment: n.Comment,
		ActivityProgress: n.ActivityProgress, GradingProgress: n.GradingProgress,
		PassbackStatus: StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	m.mu.Lock()
	m.byID[a.ID] = a
	m.mu.Unlock()
	return a, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return Assessment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, u Update) (Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return Assessment{}, ErrNotFound
	}
	if a.PassbackStatus == StatusSuccess {
		return Assessment{}, ErrAlreadySubmitted
	}
	a, err := u.apply(a)
	if err != nil {
		return Assessment{}, err
	}
	a.UpdatedAt = m.now()
	m.byID[id] = a
	return a, nil
}

func (m *MemoryStore) FindByUser(_ context.Context, userID string) ([]Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Assessment{}
	for _, a := range m.byID {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordPassback(_ context.Context, id string, o Outcome) (Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return Assessment{}, ErrNotFound
	}
	at := o.At.UTC().Truncate(time.Second)
	a.PassbackAttempts++
	a.LastPassbackAttempt = &at
	a.UpdatedAt = at
	if a.PassbackStatus != StatusSuccess {
		if o.Err == nil {
			a.PassbackStatus, a.PassbackError, a.PassbackErrorKind = StatusSuccess, "", ""
		} else {
			a.PassbackStatus, a.PassbackError, a.PassbackErrorKind = StatusFailed, o.Err.Error(), o.ErrorKind
		}
	}
	m.byID[id] = a
	return a, nil
}

func (m *MemoryStore) ListRetryable(_ context.Context, maxAttempts, limit int) ([]Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assessment
	for _, a := range m.byID {
		if a.PassbackStatus == StatusFailed && a.PassbackErrorKind.Retryable() && a.PassbackAttempts < maxAttempts {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lastAttempt(out[i]).Before(lastAttempt(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastAttempt(a Assessment) time.Time {
	if a.LastPassbackAttempt == nil {
		return time.Time{}
	}
	return *a.LastPassbackAttempt
}
