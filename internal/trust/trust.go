// Package trust implements agent trust verification.
//
// The engine decides what trust level a directory agent has earned by probing
// its endpoint, detecting optional protocol documents, and combining the
// outcome with performance statistics supplied by the caller.
//
// Flow:
//  1. Probe the endpoint (required) and look for the agent card and the
//     registration document (optional). The three probes run concurrently.
//  2. Derive the response-time, declared-protocols and owner checks.
//  3. Sum the points of every passing check into a 0-100 score.
//  4. Resolve the level: none → basic → verified → trusted, recording the
//     blockers that keep the agent from the next level.
//  5. Stamp checkedAt/nextCheckAt. Persisting the result is the caller's job.
//
// The package holds no mutable shared state. Every Engine call works on an
// immutable Agent snapshot.
package trust

import (
	"time"
)

// Level is an agent's trust level.
type Level string

const (
	LevelNone     Level = "none"
	LevelBasic    Level = "basic"
	LevelVerified Level = "verified"
	LevelTrusted  Level = "trusted"
)

// Valid reports whether l is one of the four known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelNone, LevelBasic, LevelVerified, LevelTrusted:
		return true
	}
	return false
}

// Rank orders levels from none (0) to trusted (3).
func (l Level) Rank() int {
	switch l {
	case LevelBasic:
		return 1
	case LevelVerified:
		return 2
	case LevelTrusted:
		return 3
	default:
		return 0
	}
}

// RecheckInterval is how long a result at level l stays fresh.
// More trusted agents are checked less often.
func (l Level) RecheckInterval() time.Duration {
	switch l {
	case LevelVerified:
		return 72 * time.Hour
	case LevelTrusted:
		return 168 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ParseLevel converts a stored string into a Level, defaulting to none.
func ParseLevel(s string) Level {
	l := Level(s)
	if !l.Valid() {
		return LevelNone
	}
	return l
}

// Status is the outcome of a single check.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// CheckName identifies one of the fixed verification checks.
type CheckName string

const (
	CheckEndpointReachable CheckName = "endpoint_reachable"
	CheckAgentCard         CheckName = "a2a_agent_card"
	CheckRegistration      CheckName = "agent_registration"
	CheckResponseTime      CheckName = "response_time"
	CheckProtocolsDeclared CheckName = "protocols_declared"
	CheckOwnerVerified     CheckName = "owner_verified"
)

// Points awarded per passing check. They sum to MaxScore.
const (
	PointsEndpointReachable = 30
	PointsAgentCard         = 25
	PointsRegistration      = 15
	PointsResponseTime      = 10
	PointsProtocolsDeclared = 10
	PointsOwnerVerified     = 10

	MaxScore = 100
)

// Points returns the score contribution of a passing check.
func (n CheckName) Points() int {
	switch n {
	case CheckEndpointReachable:
		return PointsEndpointReachable
	case CheckAgentCard:
		return PointsAgentCard
	case CheckRegistration:
		return PointsRegistration
	case CheckResponseTime:
		return PointsResponseTime
	case CheckProtocolsDeclared:
		return PointsProtocolsDeclared
	case CheckOwnerVerified:
		return PointsOwnerVerified
	default:
		return 0
	}
}

// Probe timeouts and the fast-response bonus threshold.
const (
	DefaultProbeTimeout   = 10 * time.Second
	FastResponseThreshold = 1000 * time.Millisecond
)

// Thresholds for the verified → trusted transition.
const (
	TrustedMinTransactions = 30
	TrustedMinRating       = 4.5
	TrustedMinUptime       = 95.0
	TrustedMinAgeDays      = 30
)

// Blocker messages for the lower gates.
const (
	BlockerUnreachable   = "Endpoint not reachable"
	BlockerNoProtocol    = "A2A protocol support not detected"
	BlockerOwnerUnproven = "Owner identity not verified"
)

// Stats is the performance snapshot the directory keeps for an agent.
type Stats struct {
	TransactionCount int64   `json:"transactionCount"`
	AverageRating    float64 `json:"averageRating"`
	UptimePercent    float64 `json:"uptimePercent"`
}

// Agent is the read-only snapshot the engine verifies.
type Agent struct {
	ID            string    `json:"id"`
	Handle        string    `json:"handle"`
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	Protocols     []string  `json:"protocols"`
	TrustLevel    Level     `json:"trustLevel"`
	Verified      bool      `json:"verified"`
	OwnerVerified bool      `json:"ownerVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	Stats         Stats     `json:"stats"`
}

// Check is one verification check outcome. Checks are values and are never
// modified after the aggregator builds them.
type Check struct {
	Name     CheckName `json:"name"`
	Status   Status    `json:"status"`
	Message  string    `json:"message"`
	Required bool      `json:"required"`
	Detail   Detail    `json:"-"`
}

// Passed reports whether the check contributed its points.
func (c Check) Passed() bool { return c.Status == StatusPass }

// Result is the outcome of one verification session.
type Result struct {
	Passed             bool      `json:"passed"`
	Level              Level     `json:"level"`
	Score              int       `json:"score"`
	Checks             []Check   `json:"checks"`
	CheckedAt          time.Time `json:"checkedAt"`
	NextCheckAt        time.Time `json:"nextCheckAt"`
	EligibleForUpgrade Level     `json:"eligibleForUpgrade,omitempty"`
	UpgradeBlockers    []string  `json:"upgradeBlockers,omitempty"`
}

// Check returns the check with the given name, if present.
func (r *Result) Check(name CheckName) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}
