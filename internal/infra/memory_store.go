package infra

import (
	"context"
	"sort"
	"sync"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// MemoryStore implements domain.StateStore in process memory.
// Used for --ephemeral runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	policy   domain.Policy
	grants   map[string]domain.BypassGrant
	session  domain.FocusSession
	outbox   []domain.TelemetryEvent
	revision uint64
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policy:  domain.Policy{LockedApps: map[domain.AppID]struct{}{}},
		grants:  make(map[string]domain.BypassGrant),
		session: domain.IdleSession(),
	}
}

// LoadPolicy returns a copy of the stored policy.
func (m *MemoryStore) LoadPolicy(ctx context.Context) (domain.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy.Clone(), nil
}

// SavePolicy replaces the stored policy.
func (m *MemoryStore) SavePolicy(ctx context.Context, p domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p.Clone()
	return nil
}

// SavePIN replaces only the sealed PIN.
func (m *MemoryStore) SavePIN(ctx context.Context, pin domain.SealedPIN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy.PIN = pin
	return nil
}

// PutGrant inserts or overwrites the grant for its subject.
func (m *MemoryStore) PutGrant(ctx context.Context, g domain.BypassGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.SubjectKey] = g
	return nil
}

// ListGrants returns every stored grant ordered by subject.
func (m *MemoryStore) ListGrants(ctx context.Context) ([]domain.BypassGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.BypassGrant, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectKey < out[j].SubjectKey })
	return out, nil
}

// DeleteGrants removes the given grants unless they were rewritten since.
func (m *MemoryStore) DeleteGrants(ctx context.Context, grants []domain.BypassGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range grants {
		if cur, ok := m.grants[g.SubjectKey]; ok && cur.ExpiresAt.Equal(g.ExpiresAt) {
			delete(m.grants, g.SubjectKey)
		}
	}
	return nil
}

// LoadSession returns the stored session with its revision.
func (m *MemoryStore) LoadSession(ctx context.Context) (domain.FocusSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.session
	s.Revision = m.revision
	return s, nil
}

// SwapSession commits next when the stored revision equals expected.
func (m *MemoryStore) SwapSession(ctx context.Context, expected uint64, next domain.FocusSession) (domain.FocusSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revision != expected {
		return domain.FocusSession{}, domain.ErrRevisionConflict
	}
	m.revision++
	if next.State == domain.SessionIdle {
		next = domain.IdleSession()
	}
	next.Revision = m.revision
	m.session = next
	return next, nil
}

// Emit appends ev to the outbox.
func (m *MemoryStore) Emit(ctx context.Context, ev domain.TelemetryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, ev)
	return nil
}

// Pending returns up to limit undelivered events, oldest first.
func (m *MemoryStore) Pending(ctx context.Context, limit int) ([]domain.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.outbox)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.TelemetryEvent, n)
	copy(out, m.outbox[:n])
	return out, nil
}

// Ack removes delivered events from the outbox.
func (m *MemoryStore) Ack(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.outbox[:0]
	for _, ev := range m.outbox {
		if !drop[ev.ID] {
			kept = append(kept, ev)
		}
	}
	m.outbox = kept
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements domain.StateStore.
var _ domain.StateStore = (*MemoryStore)(nil)
