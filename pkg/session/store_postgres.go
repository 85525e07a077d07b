package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore persists sessions in PostgreSQL. The aggregate is stored as
// a JSONB blob with the columns the queries need lifted out.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the sessions schema if needed.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			product_key TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			round       INT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			data        JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_outcome_updated
			ON sessions (outcome, updated_at)`)
	if err != nil {
		return fmt.Errorf("init session schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT data FROM sessions WHERE id = $1", id)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s: %w", id, contracts.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var sess contracts.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess *contracts.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	query := `
		INSERT INTO sessions (id, product_key, outcome, round, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			round = EXCLUDED.round,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.ProductKey, string(sess.Outcome), sess.Round, sess.UpdatedAt, raw)
	if err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListOpenBefore(ctx context.Context, cutoff time.Time) ([]*contracts.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM sessions WHERE outcome = $1 AND updated_at < $2",
		string(contracts.OutcomeOpen), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sess contracts.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}
