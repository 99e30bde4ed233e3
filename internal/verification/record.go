// Package verification is the caller layer around the trust engine. It
// resolves agents from the directory, decides whether a run may be persisted,
// serializes persisted runs per handle, and keeps the verification history.
package verification

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentdir/internal/idgen"
	"github.com/mbd888/agentdir/internal/trust"
)

// ErrRecordNotFound is returned when an agent has never been verified.
var ErrRecordNotFound = errors.New("verification: record not found")

// HistoryLimit is how many past records the status view returns.
const HistoryLimit = 10

// Record is one persisted verification session.
type Record struct {
	ID                 string        `json:"id"`
	AgentID            string        `json:"agentId"`
	Handle             string        `json:"handle"`
	Level              trust.Level   `json:"level"`
	Passed             bool          `json:"passed"`
	Score              int           `json:"score"`
	Checks             []trust.Check `json:"checks"`
	OwnerVerified      bool          `json:"ownerVerified"`
	EligibleForUpgrade trust.Level   `json:"eligibleForUpgrade,omitempty"`
	Blockers           []string      `json:"upgradeBlockers,omitempty"`
	CheckedAt          time.Time     `json:"checkedAt"`
	NextCheckAt        time.Time     `json:"nextCheckAt"`
}

// NewRecord captures a session result for agent.
func NewRecord(agent trust.Agent, res *trust.Result) *Record {
	return &Record{
		ID:                 idgen.WithPrefix(idgen.PrefixRecord),
		AgentID:            agent.ID,
		Handle:             strings.ToLower(agent.Handle),
		Level:              res.Level,
		Passed:             res.Passed,
		Score:              res.Score,
		Checks:             append([]trust.Check(nil), res.Checks...),
		OwnerVerified:      agent.OwnerVerified,
		EligibleForUpgrade: res.EligibleForUpgrade,
		Blockers:           append([]string(nil), res.UpgradeBlockers...),
		CheckedAt:          res.CheckedAt.UTC(),
		NextCheckAt:        res.NextCheckAt.UTC(),
	}
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Checks = append([]trust.Check(nil), r.Checks...)
	cp.Blockers = append([]string(nil), r.Blockers...)
	return &cp
}

// Store persists verification history.
type Store interface {
	// Save appends a record.
	Save(ctx context.Context, rec *Record) error

	// Latest returns the most recent record for a handle.
	Latest(ctx context.Context, handle string) (*Record, error)

	// History returns up to limit records for a handle, newest first.
	History(ctx context.Context, handle string, limit int) ([]*Record, error)
}

// MemoryStore keeps history in memory. Callers get copies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // handle -> records in insertion order
}

// NewMemoryStore creates an in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*Record)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := strings.ToLower(rec.Handle)
	m.records[handle] = append(m.records[handle], rec.clone())
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, handle string) (*Record, error) {
	recs, err := m.History(ctx, handle, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrRecordNotFound
	}
	return recs[0], nil
}

func (m *MemoryStore) History(_ context.Context, handle string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.records[strings.ToLower(handle)]
	out := make([]*Record, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i].clone())
	}
	// Later saves win ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CheckedAt.After(out[j].CheckedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
