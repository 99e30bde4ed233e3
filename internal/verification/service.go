package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/agentdir/internal/logging"
	"github.com/mbd888/agentdir/internal/metrics"
	"github.com/mbd888/agentdir/internal/realtime"
	"github.com/mbd888/agentdir/internal/registry"
	"github.com/mbd888/agentdir/internal/retry"
	"github.com/mbd888/agentdir/internal/syncutil"
	"github.com/mbd888/agentdir/internal/traces"
	"github.com/mbd888/agentdir/internal/trust"
)

// AgentStore is the slice of the directory the service needs.
type AgentStore interface {
	GetAgent(ctx context.Context, handle string) (*registry.Agent, error)
	ListCandidates(ctx context.Context, query registry.CandidateQuery) ([]*registry.Agent, error)
	UpdateTrust(ctx context.Context, handle string, u registry.TrustUpdate) error
}

// Verifier runs one verification session. *trust.Engine satisfies it.
type Verifier interface {
	Verify(ctx context.Context, agent trust.Agent) *trust.Result
}

// Publisher receives directory events. *realtime.Hub satisfies it.
type Publisher interface {
	Publish(eventType realtime.EventType, handle string, data any)
}

// Caller identifies who asked for a verification.
type Caller struct {
	Handle string // handle bound to the presented API key, if any
	Admin  bool
}

// CanPersist reports whether the caller may write results for handle.
func (c Caller) CanPersist(handle string) bool {
	if c.Admin {
		return true
	}
	return c.Handle != "" && strings.EqualFold(c.Handle, handle)
}

// Outcome is what a single-agent verification returns.
type Outcome struct {
	Handle        string        `json:"handle"`
	PreviousLevel trust.Level   `json:"previousLevel"`
	Result        *trust.Result `json:"result"`
	Persisted     bool          `json:"persisted"`
	RecordID      string        `json:"recordId,omitempty"`
}

// StatusView is the public verification status of an agent.
type StatusView struct {
	Handle             string      `json:"handle"`
	TrustLevel         trust.Level `json:"trustLevel"`
	TrustScore         int         `json:"trustScore"`
	Verified           bool        `json:"verified"`
	LastVerifiedAt     *time.Time  `json:"lastVerifiedAt,omitempty"`
	NextVerificationAt *time.Time  `json:"nextVerificationAt,omitempty"`
	Latest             *Record     `json:"latest,omitempty"`
	History            []*Record   `json:"history"`
}

// Service coordinates verification runs against the directory.
type Service struct {
	agents   AgentStore
	records  Store
	verifier Verifier
	locks    *syncutil.KeyedMutex
	events   Publisher
	pacing   time.Duration
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where verification events are broadcast.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithPacing sets the delay between batch sessions.
func WithPacing(d time.Duration) Option {
	return func(s *Service) { s.pacing = d }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a verification service.
func NewService(agents AgentStore, records Store, verifier Verifier, opts ...Option) *Service {
	s := &Service{
		agents:   agents,
		records:  records,
		verifier: verifier,
		locks:    syncutil.NewKeyedMutex(),
		pacing:   trust.DefaultPacing,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify runs a session for handle. Owners and admins get the result
// persisted; anyone else gets it computed and discarded, without upgrade
// blockers.
func (s *Service) Verify(ctx context.Context, handle string, caller Caller) (*Outcome, error) {
	handle = normalizeHandle(handle)
	ctx = logging.WithAgentHandle(ctx, handle)

	if caller.CanPersist(handle) {
		return s.verifyLocked(ctx, handle)
	}

	agent, err := s.agents.GetAgent(ctx, handle)
	if err != nil {
		return nil, err
	}
	res := s.verifier.Verify(ctx, agent.Snapshot())
	res.UpgradeBlockers = nil
	return &Outcome{
		Handle:        agent.Handle,
		PreviousLevel: agent.TrustLevel,
		Result:        res,
	}, nil
}

// verifyLocked holds the per-handle lock for the whole read-verify-write cycle
// so concurrent persisted runs for one agent never interleave.
func (s *Service) verifyLocked(ctx context.Context, handle string) (*Outcome, error) {
	unlock, err := s.locks.LockContext(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("acquire verification lock: %w", err)
	}
	defer unlock()

	agent, err := s.agents.GetAgent(ctx, handle)
	if err != nil {
		return nil, err
	}
	snap := agent.Snapshot()
	res := s.verifier.Verify(ctx, snap)

	rec, err := s.persist(ctx, snap, res)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Handle:        agent.Handle,
		PreviousLevel: agent.TrustLevel,
		Result:        res,
		Persisted:     true,
		RecordID:      rec.ID,
	}, nil
}

func (s *Service) persist(ctx context.Context, agent trust.Agent, res *trust.Result) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "verification.Persist", traces.AgentHandle(agent.Handle))
	defer span.End()

	rec := NewRecord(agent, res)
	span.SetAttributes(traces.RecordID(rec.ID))

	if err := retry.Do(ctx, "save verification record", func(ctx context.Context) error {
		return s.records.Save(ctx, rec)
	}); err != nil {
		return nil, fmt.Errorf("save verification record: %w", err)
	}

	update := registry.TrustUpdate{
		Level:       res.Level,
		Score:       res.Score,
		CheckedAt:   res.CheckedAt,
		NextCheckAt: res.NextCheckAt,
	}
	if err := retry.Do(ctx, "update trust summary", func(ctx context.Context) error {
		err := s.agents.UpdateTrust(ctx, agent.Handle, update)
		if errors.Is(err, registry.ErrAgentNotFound) {
			return retry.Permanent(err)
		}
		return err
	}); err != nil {
		return nil, fmt.Errorf("update trust summary: %w", err)
	}

	metrics.PersistedVerificationsTotal.Inc()
	s.publish(realtime.EventVerificationCompleted, agent.Handle, map[string]any{
		"level":       res.Level,
		"score":       res.Score,
		"passed":      res.Passed,
		"recordId":    rec.ID,
		"nextCheckAt": res.NextCheckAt,
	})

	previous := trust.ParseLevel(string(agent.TrustLevel))
	if previous != res.Level {
		metrics.LevelChangesTotal.WithLabelValues(string(previous), string(res.Level)).Inc()
		s.publish(realtime.EventLevelChanged, agent.Handle, map[string]any{
			"from": previous,
			"to":   res.Level,
		})
		logging.L(ctx).Info("trust level changed", "from", previous, "to", res.Level, "score", res.Score)
	}
	return rec, nil
}

// Status returns the agent's trust summary with its latest record and recent
// history. Upgrade blockers are only shown to the owner or an admin.
func (s *Service) Status(ctx context.Context, handle string, caller Caller) (*StatusView, error) {
	handle = normalizeHandle(handle)
	agent, err := s.agents.GetAgent(ctx, handle)
	if err != nil {
		return nil, err
	}

	history, err := s.records.History(ctx, handle, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load verification history: %w", err)
	}
	if history == nil {
		history = []*Record{}
	}
	if !caller.CanPersist(handle) {
		for _, rec := range history {
			rec.Blockers = nil
		}
	}

	view := &StatusView{
		Handle:             agent.Handle,
		TrustLevel:         agent.TrustLevel,
		TrustScore:         agent.TrustScore,
		Verified:           agent.Verified,
		LastVerifiedAt:     agent.LastVerifiedAt,
		NextVerificationAt: agent.NextVerificationAt,
		History:            history,
	}
	if len(history) > 0 {
		view.Latest = history[0]
	}
	return view, nil
}

// RunBatch re-verifies a selection of agents sequentially and persists every
// result. A context deadline stops the batch and returns the partial report
// with the context error.
func (s *Service) RunBatch(ctx context.Context, req trust.BatchRequest) (*trust.BatchReport, error) {
	sched := trust.NewScheduler(s, s,
		trust.WithPacing(s.pacing),
		trust.WithSchedulerLogger(s.logger),
	)
	report, err := sched.Run(ctx, req)
	if report != nil {
		s.publish(realtime.EventBatchCompleted, "", map[string]any{
			"verified": report.Verified,
			"failed":   report.Failed,
			"total":    report.Total,
		})
	}
	return report, err
}

// SelectCandidates implements trust.CandidateSource. Explicit handles keep
// their order; unknown ones become placeholders so the session reports them.
func (s *Service) SelectCandidates(ctx context.Context, sel trust.Selection) ([]trust.Agent, error) {
	if len(sel.Handles) > 0 {
		seen := make(map[string]bool, len(sel.Handles))
		out := make([]trust.Agent, 0, len(sel.Handles))
		for _, h := range sel.Handles {
			h = normalizeHandle(h)
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			agent, err := s.agents.GetAgent(ctx, h)
			if err != nil {
				if !errors.Is(err, registry.ErrAgentNotFound) {
					s.logger.Warn("batch candidate lookup failed", "handle", h, "error", err)
				}
				out = append(out, trust.Agent{Handle: h, TrustLevel: trust.LevelNone})
				continue
			}
			out = append(out, agent.Snapshot())
		}
		return out, nil
	}

	agents, err := s.agents.ListCandidates(ctx, registry.CandidateQuery{
		Filter:      sel.Filter,
		StaleBefore: sel.StaleBefore,
		Limit:       sel.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]trust.Agent, len(agents))
	for i, a := range agents {
		out[i] = a.Snapshot()
	}
	return out, nil
}

// RunSession implements trust.SessionRunner. The selected snapshot only names
// the agent; a fresh one is read under the lock.
func (s *Service) RunSession(ctx context.Context, agent trust.Agent) (*trust.Result, error) {
	ctx = logging.WithAgentHandle(ctx, agent.Handle)
	out, err := s.verifyLocked(ctx, normalizeHandle(agent.Handle))
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (s *Service) publish(eventType realtime.EventType, handle string, data any) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, handle, data)
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
