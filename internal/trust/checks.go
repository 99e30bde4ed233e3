package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/agentdir/internal/metrics"
)

// Aggregator runs the full check set for one agent.
type Aggregator struct {
	prober       *Prober
	probeTimeout time.Duration
}

// NewAggregator creates an aggregator. Detection attempts get half of
// probeTimeout each.
func NewAggregator(prober *Prober, probeTimeout time.Duration) *Aggregator {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Aggregator{prober: prober, probeTimeout: probeTimeout}
}

// Run executes the six checks in their fixed order and returns them with the
// total score. The three network checks run concurrently; all of them finish
// before anything is scored.
func (a *Aggregator) Run(ctx context.Context, agent Agent) ([]Check, int) {
	var (
		reach        ProbeResult
		card, regDoc Detection
	)
	detectTimeout := a.probeTimeout / 2
	// Decided once, before anything runs, so both detectors see the same answer.
	detect := a.prober.DetectionAllowed(agent.Endpoint)

	// Probes report failures as data, so no goroutine returns an error.
	var g errgroup.Group
	g.Go(func() error {
		reach = a.prober.Probe(ctx, agent.Endpoint, a.probeTimeout)
		return nil
	})
	if detect {
		g.Go(func() error {
			card = a.prober.Detect(ctx, AgentCardDetector, agent.Endpoint, detectTimeout)
			return nil
		})
		g.Go(func() error {
			regDoc = a.prober.Detect(ctx, RegistrationDetector, agent.Endpoint, detectTimeout)
			return nil
		})
	} else {
		card, regDoc = skippedDetection(), skippedDetection()
		for _, d := range []Detector{AgentCardDetector, RegistrationDetector} {
			metrics.ProbesTotal.WithLabelValues(d.Name, probeOutcome(card.Last)).Inc()
		}
	}
	_ = g.Wait()

	checks := []Check{
		reachabilityCheck(reach),
		agentCardCheck(card),
		registrationCheck(regDoc),
		responseTimeCheck(reach),
		declaredProtocolsCheck(agent.Protocols),
		ownerCheck(agent.OwnerVerified),
	}
	return checks, Score(checks)
}

// Score sums the points of every passing check.
func Score(checks []Check) int {
	total := 0
	for _, c := range checks {
		if c.Passed() {
			total += c.Name.Points()
		}
	}
	if total > MaxScore {
		total = MaxScore
	}
	return total
}

func reachabilityCheck(r ProbeResult) Check {
	c := Check{
		Name:     CheckEndpointReachable,
		Required: true,
		Detail: ReachabilityDetail{
			URL:        r.URL,
			StatusCode: r.StatusCode,
			ElapsedMs:  r.ElapsedMs,
			Error:      r.Error,
		},
	}
	if r.Reachable {
		c.Status = StatusPass
		c.Message = fmt.Sprintf("Endpoint responded with HTTP %d in %dms", r.StatusCode, r.ElapsedMs)
	} else {
		c.Status = StatusFail
		c.Message = "Failed to reach endpoint: " + r.Error
	}
	return c
}

func agentCardCheck(d Detection) Check {
	c := Check{Name: CheckAgentCard, Detail: d.Detail()}
	if d.Supported {
		c.Status = StatusPass
		c.Message = "A2A agent card found at " + d.DocumentURL
	} else {
		c.Status = StatusSkip
		c.Message = "No A2A agent card found"
		if d.Skipped {
			c.Message = "Agent card lookup skipped: " + d.Last.Error
		}
	}
	return c
}

func registrationCheck(d Detection) Check {
	c := Check{Name: CheckRegistration, Detail: d.Detail()}
	if d.Supported {
		c.Status = StatusPass
		c.Message = fmt.Sprintf("Registration document found at %s (%d services)", d.DocumentURL, d.ServiceCount)
	} else {
		c.Status = StatusSkip
		c.Message = "No registration document found"
		if d.Skipped {
			c.Message = "Registration lookup skipped: " + d.Last.Error
		}
	}
	return c
}

func responseTimeCheck(r ProbeResult) Check {
	threshold := FastResponseThreshold.Milliseconds()
	c := Check{
		Name:   CheckResponseTime,
		Detail: LatencyDetail{ElapsedMs: r.ElapsedMs, ThresholdMs: threshold},
	}
	switch {
	case !r.Reachable:
		c.Status = StatusSkip
		c.Message = "Response time not measured: endpoint unreachable"
	case r.ElapsedMs < threshold:
		c.Status = StatusPass
		c.Message = fmt.Sprintf("Fast response (%dms)", r.ElapsedMs)
	default:
		c.Status = StatusFail
		c.Message = fmt.Sprintf("Slow response (%dms, want under %dms)", r.ElapsedMs, threshold)
	}
	return c
}

func declaredProtocolsCheck(protocols []string) Check {
	declared := normalizeProtocols(protocols)
	c := Check{Name: CheckProtocolsDeclared, Detail: DeclaredDetail{Protocols: declared}}
	if len(declared) > 0 {
		c.Status = StatusPass
		c.Message = "Declares protocols: " + strings.Join(declared, ", ")
	} else {
		c.Status = StatusSkip
		c.Message = "No protocols declared"
	}
	return c
}

func ownerCheck(verified bool) Check {
	c := Check{Name: CheckOwnerVerified, Detail: OwnerDetail{OwnerVerified: verified}}
	if verified {
		c.Status = StatusPass
		c.Message = "Owner identity verified"
	} else {
		c.Status = StatusSkip
		c.Message = "Owner identity not verified"
	}
	return c
}

// normalizeProtocols trims entries and drops blanks. The input is not modified.
func normalizeProtocols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
