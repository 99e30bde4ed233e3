package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/agentdir/internal/metrics"
	"github.com/mbd888/agentdir/internal/traces"
)

// Filter selects which agents a batch re-verifies.
type Filter string

const (
	FilterStale      Filter = "stale"      // never checked, or last checked StaleAfter ago
	FilterUnverified Filter = "unverified" // currently not verified
	FilterAll        Filter = "all"
)

// Batch limits and pacing.
const (
	DefaultBatchLimit = 50
	MaxBatchLimit     = 100
	DefaultPacing     = 100 * time.Millisecond
	StaleAfter        = 24 * time.Hour
)

// ErrInvalidFilter is returned for an unknown filter keyword.
var ErrInvalidFilter = errors.New("trust: invalid batch filter")

// ParseFilter validates a filter keyword. Empty means stale.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterStale, nil
	case FilterStale, FilterUnverified, FilterAll:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFilter, s)
	}
}

// BatchRequest describes one batch run. Handles, when present, take
// precedence over Filter.
type BatchRequest struct {
	Handles []string `json:"handles,omitempty"`
	Filter  Filter   `json:"filter,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// EffectiveLimit applies the default and the hard cap.
func (r BatchRequest) EffectiveLimit() int {
	switch {
	case r.Limit <= 0:
		return DefaultBatchLimit
	case r.Limit > MaxBatchLimit:
		return MaxBatchLimit
	default:
		return r.Limit
	}
}

// Selection is what a CandidateSource is asked for.
type Selection struct {
	Handles     []string
	Filter      Filter
	Limit       int
	StaleBefore time.Time
}

// CandidateSource picks the agents a batch will verify, in processing order.
type CandidateSource interface {
	SelectCandidates(ctx context.Context, sel Selection) ([]Agent, error)
}

// SessionRunner runs one verification session for a selected agent. An error
// means the session itself broke (not that the agent failed its checks).
type SessionRunner interface {
	RunSession(ctx context.Context, agent Agent) (*Result, error)
}

// RunSession lets an Engine serve as a SessionRunner that persists nothing.
func (e *Engine) RunSession(ctx context.Context, agent Agent) (*Result, error) {
	return e.Verify(ctx, agent), nil
}

// AgentOutcome is one agent's line in a batch report.
type AgentOutcome struct {
	Handle        string `json:"handle"`
	PreviousLevel Level  `json:"previousLevel"`
	NewLevel      Level  `json:"newLevel"`
	Passed        bool   `json:"passed"`
	Score         int    `json:"score"`
	Error         string `json:"error,omitempty"`
}

// BatchReport aggregates a batch run. Verified counts sessions that completed
// without error; Failed counts sessions that returned one.
type BatchReport struct {
	Verified   int            `json:"verified"`
	Failed     int            `json:"failed"`
	Total      int            `json:"total"`
	Results    []AgentOutcome `json:"results"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// Scheduler drives verification sessions over a selection of agents, one at a
// time, with a pause between runs so third-party endpoints are never hammered.
type Scheduler struct {
	source CandidateSource
	runner SessionRunner
	pacing time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPacing sets the delay between consecutive sessions.
func WithPacing(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.pacing = d }
}

// WithSchedulerClock overrides time.Now (for tests).
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a batch scheduler.
func NewScheduler(source CandidateSource, runner SessionRunner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		source: source,
		runner: runner,
		pacing: DefaultPacing,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run selects candidates and verifies them sequentially. A session error is
// recorded against that agent and the batch moves on. If ctx ends mid-batch
// the partial report is returned together with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, req BatchRequest) (*BatchReport, error) {
	ctx, span := traces.StartSpan(ctx, "trust.Batch", traces.BatchFilter(string(req.Filter)))
	defer span.End()

	filter := req.Filter
	if filter == "" {
		filter = FilterStale
	}
	limit := req.EffectiveLimit()
	start := s.now()

	candidates, err := s.source.SelectCandidates(ctx, Selection{
		Handles:     req.Handles,
		Filter:      filter,
		Limit:       limit,
		StaleBefore: start.Add(-StaleAfter),
	})
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	metrics.BatchRunsTotal.Inc()
	report := &BatchReport{
		Results:   make([]AgentOutcome, 0, len(candidates)),
		StartedAt: start,
	}

	var runErr error
	for i, agent := range candidates {
		if i > 0 && !s.pause(ctx) {
			runErr = ctx.Err()
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		outcome := s.runOne(ctx, agent)
		report.Results = append(report.Results, outcome)
		report.Total++
		if outcome.Error != "" {
			report.Failed++
			metrics.BatchAgentsTotal.WithLabelValues("error").Inc()
		} else {
			report.Verified++
			metrics.BatchAgentsTotal.WithLabelValues("ok").Inc()
		}
	}

	report.FinishedAt = s.now()
	span.SetAttributes(
		attribute.Int("batch.total", report.Total),
		attribute.Int("batch.failed", report.Failed),
	)
	s.logger.Info("verification batch completed",
		"filter", filter,
		"selected", len(candidates),
		"verified", report.Verified,
		"failed", report.Failed,
		"duration_ms", report.FinishedAt.Sub(start).Milliseconds(),
	)
	return report, runErr
}

// runOne runs a single session, converting errors and panics into an outcome.
func (s *Scheduler) runOne(ctx context.Context, agent Agent) (outcome AgentOutcome) {
	outcome = AgentOutcome{
		Handle:        agent.Handle,
		PreviousLevel: ParseLevel(string(agent.TrustLevel)),
		NewLevel:      LevelNone,
	}

	defer func() {
		if r := recover(); r != nil {
			outcome.NewLevel = LevelNone
			outcome.Passed = false
			outcome.Score = 0
			outcome.Error = fmt.Sprintf("panic: %v", r)
			s.logger.Error("verification session panicked", "handle", agent.Handle, "panic", r)
		}
	}()

	result, err := s.runner.RunSession(ctx, agent)
	if err != nil {
		outcome.Error = err.Error()
		s.logger.Warn("verification session failed", "handle", agent.Handle, "error", err)
		return outcome
	}
	if result == nil {
		outcome.Error = "verification returned no result"
		return outcome
	}

	outcome.NewLevel = result.Level
	outcome.Passed = result.Passed
	outcome.Score = result.Score
	s.logger.Info("agent verified",
		"handle", agent.Handle,
		"previous_level", outcome.PreviousLevel,
		"new_level", outcome.NewLevel,
		"score", outcome.Score,
	)
	return outcome
}

// pause waits the pacing delay. It returns false if ctx ended first.
func (s *Scheduler) pause(ctx context.Context) bool {
	if s.pacing <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
