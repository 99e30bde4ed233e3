package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/agentdir/internal/trust"
)

// PostgresStore keeps verification history in the verification_history table.
// Checks are stored as JSONB with their detail kind discriminator.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const recordColumns = `id, agent_id, handle, level, passed, score, checks,
	owner_verified, eligible_for_upgrade, blockers, checked_at, next_check_at`

func (p *PostgresStore) Save(ctx context.Context, rec *Record) error {
	checks := rec.Checks
	if checks == nil {
		checks = []trust.Check{}
	}
	checksJSON, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("encode checks: %w", err)
	}
	blockers := rec.Blockers
	if blockers == nil {
		blockers = []string{}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO verification_history (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.AgentID, strings.ToLower(rec.Handle), string(rec.Level), rec.Passed, rec.Score,
		checksJSON, rec.OwnerVerified, string(rec.EligibleForUpgrade), pq.Array(blockers),
		rec.CheckedAt, rec.NextCheckAt)
	if err != nil {
		return fmt.Errorf("save verification record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Latest(ctx context.Context, handle string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM verification_history
		WHERE handle = $1
		ORDER BY checked_at DESC
		LIMIT 1
	`, strings.ToLower(handle))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresStore) History(ctx context.Context, handle string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = HistoryLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM verification_history
		WHERE handle = $1
		ORDER BY checked_at DESC
		LIMIT $2
	`, strings.ToLower(handle), limit)
	if err != nil {
		return nil, fmt.Errorf("query verification history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		level, eligible string
		checksJSON      []byte
	)
	if err := s.Scan(
		&rec.ID, &rec.AgentID, &rec.Handle, &level, &rec.Passed, &rec.Score, &checksJSON,
		&rec.OwnerVerified, &eligible, pq.Array(&rec.Blockers), &rec.CheckedAt, &rec.NextCheckAt,
	); err != nil {
		return nil, err
	}
	rec.Level = trust.Level(level)
	rec.EligibleForUpgrade = trust.Level(eligible)
	if len(checksJSON) > 0 {
		if err := json.Unmarshal(checksJSON, &rec.Checks); err != nil {
			return nil, fmt.Errorf("decode checks for %s: %w", rec.ID, err)
		}
	}
	if len(rec.Blockers) == 0 {
		rec.Blockers = nil
	}
	return rec, nil
}
