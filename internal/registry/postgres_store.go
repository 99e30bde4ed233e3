package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/agentdir/internal/idgen"
	"github.com/mbd888/agentdir/internal/trust"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const agentColumns = `id, handle, name, description, endpoint, protocols,
	trust_level, trust_score, verified, owner_verified,
	transaction_count, average_rating, uptime_percent,
	last_verified_at, next_verification_at, created_at, updated_at`

func (p *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = idgen.WithPrefix(idgen.PrefixAgent)
	}
	agent.Handle = normalizeHandle(agent.Handle)
	if agent.TrustLevel == "" {
		agent.TrustLevel = trust.LevelNone
	}
	if agent.Protocols == nil {
		agent.Protocols = []string{}
	}

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, handle, name, description, endpoint, protocols, trust_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, agent.ID, agent.Handle, agent.Name, agent.Description, agent.Endpoint,
		pq.Array(agent.Protocols), string(agent.TrustLevel),
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAgentExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAgent(ctx context.Context, handle string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE handle = $1`, normalizeHandle(handle))
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (p *PostgresStore) ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if query.Level != "" {
		where = append(where, "trust_level = "+arg(string(query.Level)))
	}
	if query.Verified != nil {
		where = append(where, "verified = "+arg(*query.Verified))
	}
	if query.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)",
			arg(query.Cursor.CreatedAt), arg(query.Cursor.ID)))
	}

	stmt := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id DESC"
	if query.Limit > 0 {
		stmt += " LIMIT " + arg(query.Limit)
	}

	return p.queryAgents(ctx, stmt, args...)
}

func (p *PostgresStore) ListCandidates(ctx context.Context, query CandidateQuery) ([]*Agent, error) {
	var cond string
	args := []any{}
	switch query.Filter {
	case trust.FilterAll:
		cond = "TRUE"
	case trust.FilterUnverified:
		cond = "verified = FALSE"
	default:
		cond = "(last_verified_at IS NULL OR last_verified_at < $1)"
		args = append(args, query.StaleBefore)
	}

	stmt := `SELECT ` + agentColumns + ` FROM agents WHERE ` + cond +
		` ORDER BY last_verified_at ASC NULLS FIRST, created_at ASC, id ASC`
	if query.Limit > 0 {
		args = append(args, query.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return p.queryAgents(ctx, stmt, args...)
}

func (p *PostgresStore) UpdateTrust(ctx context.Context, handle string, u TrustUpdate) error {
	return p.exec(ctx, `
		UPDATE agents
		SET trust_level = $1, trust_score = $2, verified = $3,
		    last_verified_at = $4, next_verification_at = $5, updated_at = NOW()
		WHERE handle = $6
	`, string(u.Level), u.Score, u.Level.Rank() >= trust.LevelVerified.Rank(),
		u.CheckedAt.UTC(), u.NextCheckAt.UTC(), normalizeHandle(handle))
}

func (p *PostgresStore) SetOwnerVerified(ctx context.Context, handle string, verified bool) error {
	return p.exec(ctx, `
		UPDATE agents SET owner_verified = $1, updated_at = NOW() WHERE handle = $2
	`, verified, normalizeHandle(handle))
}

func (p *PostgresStore) UpdateStats(ctx context.Context, handle string, stats trust.Stats) error {
	return p.exec(ctx, `
		UPDATE agents
		SET transaction_count = $1, average_rating = $2, uptime_percent = $3, updated_at = NOW()
		WHERE handle = $4
	`, stats.TransactionCount, stats.AverageRating, stats.UptimePercent, normalizeHandle(handle))
}

// exec runs a single-row update and maps zero affected rows to ErrAgentNotFound.
func (p *PostgresStore) exec(ctx context.Context, stmt string, args ...any) error {
	result, err := p.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) queryAgents(ctx context.Context, stmt string, args ...any) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(s rowScanner) (*Agent, error) {
	var (
		a                  Agent
		level              string
		lastVerified, next sql.NullTime
	)
	err := s.Scan(
		&a.ID, &a.Handle, &a.Name, &a.Description, &a.Endpoint, pq.Array(&a.Protocols),
		&level, &a.TrustScore, &a.Verified, &a.OwnerVerified,
		&a.Stats.TransactionCount, &a.Stats.AverageRating, &a.Stats.UptimePercent,
		&lastVerified, &next, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.TrustLevel = trust.ParseLevel(level)
	if a.Protocols == nil {
		a.Protocols = []string{}
	}
	if lastVerified.Valid {
		t := lastVerified.Time.UTC()
		a.LastVerifiedAt = &t
	}
	if next.Valid {
		t := next.Time.UTC()
		a.NextVerificationAt = &t
	}
	return &a, nil
}
