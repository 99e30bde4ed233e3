package trust

import (
	"fmt"
	"strconv"
	"time"
)

// ResolveInput is everything the level resolver looks at.
type ResolveInput struct {
	Passed            bool
	AgentCardDetected bool
	ProtocolsDeclared bool
	OwnerVerified     bool
	Stats             Stats
	CreatedAt         time.Time
	Now               time.Time
}

// Resolution is the resolved level plus what blocks the next one.
type Resolution struct {
	Level              Level
	EligibleForUpgrade Level
	Blockers           []string
}

// InputFromChecks builds resolver input from an agent snapshot and its checks.
func InputFromChecks(agent Agent, checks []Check, now time.Time) ResolveInput {
	in := ResolveInput{
		OwnerVerified: agent.OwnerVerified,
		Stats:         agent.Stats,
		CreatedAt:     agent.CreatedAt,
		Now:           now,
	}
	for _, c := range checks {
		switch c.Name {
		case CheckEndpointReachable:
			in.Passed = c.Passed()
		case CheckAgentCard:
			in.AgentCardDetected = c.Passed()
		}
	}
	in.ProtocolsDeclared = len(normalizeProtocols(agent.Protocols)) > 0
	return in
}

// Resolve maps verification inputs to a trust level. Gates are evaluated top
// down and each must pass before the next is considered. Resolve is pure.
func Resolve(in ResolveInput) Resolution {
	if !in.Passed {
		return Resolution{
			Level:              LevelNone,
			EligibleForUpgrade: LevelBasic,
			Blockers:           []string{BlockerUnreachable},
		}
	}

	// basic → verified. A declared protocol list satisfies the protocol gate
	// even when no agent card was found.
	var blockers []string
	if !in.AgentCardDetected && !in.ProtocolsDeclared {
		blockers = append(blockers, BlockerNoProtocol)
	}
	if !in.OwnerVerified {
		blockers = append(blockers, BlockerOwnerUnproven)
	}
	if len(blockers) > 0 {
		return Resolution{
			Level:              LevelBasic,
			EligibleForUpgrade: LevelVerified,
			Blockers:           blockers,
		}
	}

	// verified → trusted
	blockers = TrustedBlockers(in.Stats, AgeDays(in.CreatedAt, in.Now))
	if len(blockers) > 0 {
		return Resolution{
			Level:              LevelVerified,
			EligibleForUpgrade: LevelTrusted,
			Blockers:           blockers,
		}
	}

	return Resolution{Level: LevelTrusted}
}

// TrustedBlockers lists every unmet verified → trusted requirement.
func TrustedBlockers(s Stats, ageDays int) []string {
	var blockers []string
	if s.TransactionCount < TrustedMinTransactions {
		blockers = append(blockers, fmt.Sprintf("Need %d+ transactions (current: %d)",
			TrustedMinTransactions, s.TransactionCount))
	}
	if s.AverageRating < TrustedMinRating {
		blockers = append(blockers, fmt.Sprintf("Need %s+ average rating (current: %s)",
			formatFloat(TrustedMinRating), formatFloat(s.AverageRating)))
	}
	if s.UptimePercent < TrustedMinUptime {
		blockers = append(blockers, fmt.Sprintf("Need %s%%+ uptime (current: %s%%)",
			formatFloat(TrustedMinUptime), formatFloat(s.UptimePercent)))
	}
	if ageDays < TrustedMinAgeDays {
		blockers = append(blockers, fmt.Sprintf("Need %d+ days on network (current: %d)",
			TrustedMinAgeDays, ageDays))
	}
	return blockers
}

// AgeDays is the number of whole days between createdAt and now. An unknown
// creation time counts as zero days.
func AgeDays(createdAt, now time.Time) int {
	if createdAt.IsZero() || now.Before(createdAt) {
		return 0
	}
	return int(now.Sub(createdAt).Hours() / 24)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
