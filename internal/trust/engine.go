package trust

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/agentdir/internal/metrics"
	"github.com/mbd888/agentdir/internal/traces"
)

// Engine runs verification sessions. It is safe for concurrent use; it keeps
// no state between calls.
type Engine struct {
	aggregator *Aggregator
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	prober       *Prober
	probeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// WithProber sets the prober used for network checks.
func WithProber(p *Prober) Option {
	return func(c *engineConfig) { c.prober = p }
}

// WithProbeTimeout sets the reachability probe timeout. Detection attempts use
// half of it.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.probeTimeout = d }
}

// WithClock overrides time.Now (for tests).
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) { c.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// NewEngine creates a verification engine.
func NewEngine(opts ...Option) *Engine {
	cfg := engineConfig{
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.prober == nil {
		cfg.prober = NewProber()
	}
	return &Engine{
		aggregator: NewAggregator(cfg.prober, cfg.probeTimeout),
		now:        cfg.now,
		logger:     cfg.logger,
	}
}

// Verify runs one verification session for agent. The snapshot is only read.
func (e *Engine) Verify(ctx context.Context, agent Agent) *Result {
	ctx, span := traces.StartSpan(ctx, "trust.Verify", traces.AgentHandle(agent.Handle))
	defer span.End()

	checks, score := e.aggregator.Run(ctx, agent)
	checkedAt := e.now()
	in := InputFromChecks(agent, checks, checkedAt)
	res := Resolve(in)

	result := &Result{
		Passed:      in.Passed,
		Level:       res.Level,
		Score:       score,
		Checks:      checks,
		CheckedAt:   checkedAt,
		NextCheckAt: checkedAt.Add(res.Level.RecheckInterval()),
	}
	if res.EligibleForUpgrade != "" && res.EligibleForUpgrade != res.Level {
		result.EligibleForUpgrade = res.EligibleForUpgrade
		result.UpgradeBlockers = res.Blockers
	}

	span.SetAttributes(
		traces.TrustLevel(string(result.Level)),
		attribute.Int("trust.score", result.Score),
		attribute.Bool("trust.passed", result.Passed),
	)
	metrics.VerificationsTotal.WithLabelValues(string(result.Level), strconv.FormatBool(result.Passed)).Inc()
	e.logger.Debug("verification session completed",
		"handle", agent.Handle,
		"level", result.Level,
		"score", result.Score,
		"passed", result.Passed,
	)
	return result
}
