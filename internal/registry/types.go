// Package registry stores the agent directory: identity, declared endpoint
// and protocols, externally attested facts, and the current trust summary.
package registry

import (
	"errors"
	"time"

	"github.com/mbd888/agentdir/internal/pagination"
	"github.com/mbd888/agentdir/internal/trust"
)

var (
	ErrAgentNotFound = errors.New("registry: agent not found")
	ErrAgentExists   = errors.New("registry: agent already registered")
)

// Agent is a directory entry.
type Agent struct {
	ID          string   `json:"id"`
	Handle      string   `json:"handle"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Endpoint    string   `json:"endpoint"`
	Protocols   []string `json:"protocols"`

	// Trust summary, written only by persisted verification runs.
	TrustLevel         trust.Level `json:"trustLevel"`
	TrustScore         int         `json:"trustScore"`
	Verified           bool        `json:"verified"`
	LastVerifiedAt     *time.Time  `json:"lastVerifiedAt,omitempty"`
	NextVerificationAt *time.Time  `json:"nextVerificationAt,omitempty"`

	// Facts supplied by other subsystems.
	OwnerVerified bool        `json:"ownerVerified"`
	Stats         trust.Stats `json:"stats"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot returns the read-only view the trust engine works from.
func (a *Agent) Snapshot() trust.Agent {
	return trust.Agent{
		ID:            a.ID,
		Handle:        a.Handle,
		Name:          a.Name,
		Endpoint:      a.Endpoint,
		Protocols:     append([]string(nil), a.Protocols...),
		TrustLevel:    a.TrustLevel,
		Verified:      a.Verified,
		OwnerVerified: a.OwnerVerified,
		CreatedAt:     a.CreatedAt,
		Stats:         a.Stats,
	}
}

func (a *Agent) clone() *Agent {
	cp := *a
	cp.Protocols = append([]string{}, a.Protocols...)
	if a.LastVerifiedAt != nil {
		t := *a.LastVerifiedAt
		cp.LastVerifiedAt = &t
	}
	if a.NextVerificationAt != nil {
		t := *a.NextVerificationAt
		cp.NextVerificationAt = &t
	}
	return &cp
}

// TrustUpdate is the summary a persisted verification writes back.
type TrustUpdate struct {
	Level       trust.Level
	Score       int
	CheckedAt   time.Time
	NextCheckAt time.Time
}

// RegisterAgentRequest is the payload for agent registration
type RegisterAgentRequest struct {
	Handle      string   `json:"handle" binding:"required"`
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Endpoint    string   `json:"endpoint" binding:"required"`
	Protocols   []string `json:"protocols"`
}

// AgentQuery pages through the directory, newest first.
type AgentQuery struct {
	Level    trust.Level
	Verified *bool
	Limit    int
	Cursor   *pagination.Cursor
}

func (q AgentQuery) matches(a *Agent) bool {
	if q.Level != "" && a.TrustLevel != q.Level {
		return false
	}
	if q.Verified != nil && a.Verified != *q.Verified {
		return false
	}
	return q.Cursor.After(a.CreatedAt, a.ID)
}

// CandidateQuery selects agents for a batch run. Results are ordered
// never-checked first, then oldest check, then registration time.
type CandidateQuery struct {
	Filter      trust.Filter
	StaleBefore time.Time
	Limit       int
}

func (q CandidateQuery) matches(a *Agent) bool {
	switch q.Filter {
	case trust.FilterAll:
		return true
	case trust.FilterUnverified:
		return !a.Verified
	default:
		return a.LastVerifiedAt == nil || a.LastVerifiedAt.Before(q.StaleBefore)
	}
}
