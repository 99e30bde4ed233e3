// Package auth provides API-key authentication for the agent directory.
//
// Authentication model:
//   - Reads (agent profiles, public verification status): no key required
//   - Persisted verification runs: API key bound to the agent's handle, or admin
//   - Admin routes (batch runs, owner/stats attestations): X-Admin-Secret
//   - API keys are issued when an agent registers
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentdir/internal/idgen"
	"github.com/mbd888/agentdir/internal/logging"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

const keyPrefix = "sk_"

// APIKey is the stored half of an issued key. The raw key is never persisted.
type APIKey struct {
	ID          string     `json:"id"`
	Hash        string     `json:"-"`
	AgentHandle string     `json:"agentHandle"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsed    time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAgent(ctx context.Context, handle string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates API keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new API key for the agent with the given handle.
// The raw key is returned once; only its hash is stored.
func (m *Manager) GenerateKey(ctx context.Context, handle, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	key = &APIKey{
		ID:          idgen.PrefixAPIKey + hex.EncodeToString(b[:8]),
		Hash:        hashKey(rawKey),
		AgentHandle: normalizeHandle(handle),
		Name:        name,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// IssueKey mints the primary key handed out at registration.
func (m *Manager) IssueKey(ctx context.Context, handle string) (rawKey, keyID string, err error) {
	raw, key, err := m.GenerateKey(ctx, handle, "Primary key")
	if err != nil {
		return "", "", err
	}
	return raw, key.ID, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed) to its record.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	touched := *key
	touched.LastUsed = m.now().UTC()
	go func() {
		if err := m.store.Update(context.Background(), &touched); err != nil {
			logging.L(ctx).Debug("failed to record key usage", "key_id", touched.ID, "error", err)
		}
	}()

	return key, nil
}

// ListKeys returns all keys for an agent, newest first.
func (m *Manager) ListKeys(ctx context.Context, handle string) ([]*APIKey, error) {
	return m.store.GetByAgent(ctx, normalizeHandle(handle))
}

// RevokeKey revokes one of the agent's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, handle string) error {
	keys, err := m.store.GetByAgent(ctx, normalizeHandle(handle))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// MemoryStore is an in-memory implementation of Store. It hands out copies.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByAgent(_ context.Context, handle string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.AgentHandle, handle) {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	// A late last-used write must not resurrect a revoked key.
	revoked := existing.Revoked || key.Revoked
	cp := *key
	cp.Revoked = revoked
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
