package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentdir/internal/idgen"
	"github.com/mbd888/agentdir/internal/trust"
)

// Store defines the persistence interface for the registry
type Store interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, handle string) (*Agent, error)
	ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, error)
	ListCandidates(ctx context.Context, query CandidateQuery) ([]*Agent, error)

	UpdateTrust(ctx context.Context, handle string, u TrustUpdate) error
	SetOwnerVerified(ctx context.Context, handle string, verified bool) error
	UpdateStats(ctx context.Context, handle string, stats trust.Stats) error
}

// MemoryStore is a thread-safe in-memory implementation. Callers always get
// copies, so mutating a returned Agent never changes the store.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent // handle -> agent
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
		now:    time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle := normalizeHandle(agent.Handle)
	if _, exists := m.agents[handle]; exists {
		return ErrAgentExists
	}

	now := m.now().UTC()
	agent.Handle = handle
	if agent.ID == "" {
		agent.ID = idgen.WithPrefix(idgen.PrefixAgent)
	}
	if agent.TrustLevel == "" {
		agent.TrustLevel = trust.LevelNone
	}
	if agent.Protocols == nil {
		agent.Protocols = []string{}
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	m.agents[handle] = agent.clone()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, handle string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[normalizeHandle(handle)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.clone(), nil
}

func (m *MemoryStore) ListAgents(_ context.Context, query AgentQuery) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if query.matches(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListCandidates(_ context.Context, query CandidateQuery) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if query.matches(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return candidateLess(out[i], out[j]) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// candidateLess orders by last_verified_at ASC NULLS FIRST, created_at, id.
func candidateLess(a, b *Agent) bool {
	switch {
	case a.LastVerifiedAt == nil && b.LastVerifiedAt != nil:
		return true
	case a.LastVerifiedAt != nil && b.LastVerifiedAt == nil:
		return false
	case a.LastVerifiedAt != nil && !a.LastVerifiedAt.Equal(*b.LastVerifiedAt):
		return a.LastVerifiedAt.Before(*b.LastVerifiedAt)
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	default:
		return a.ID < b.ID
	}
}

func (m *MemoryStore) UpdateTrust(_ context.Context, handle string, u TrustUpdate) error {
	return m.update(handle, func(a *Agent) {
		checked, next := u.CheckedAt.UTC(), u.NextCheckAt.UTC()
		a.TrustLevel = u.Level
		a.TrustScore = u.Score
		a.Verified = u.Level.Rank() >= trust.LevelVerified.Rank()
		a.LastVerifiedAt = &checked
		a.NextVerificationAt = &next
	})
}

func (m *MemoryStore) SetOwnerVerified(_ context.Context, handle string, verified bool) error {
	return m.update(handle, func(a *Agent) { a.OwnerVerified = verified })
}

func (m *MemoryStore) UpdateStats(_ context.Context, handle string, stats trust.Stats) error {
	return m.update(handle, func(a *Agent) { a.Stats = stats })
}

func (m *MemoryStore) update(handle string, fn func(*Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[normalizeHandle(handle)]
	if !ok {
		return ErrAgentNotFound
	}
	fn(agent)
	agent.UpdatedAt = m.now().UTC()
	return nil
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
