package capsule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"

	_ "modernc.org/sqlite"
)

// storedTimeLayout is fixed-width so the TEXT columns order correctly under
// sqlite's lexicographic comparison. RFC3339Nano trims trailing zeros and
// would mis-rank sub-second timestamps.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the append-only capsule archive. Capsules are never updated or
// deleted.
type Store interface {
	Save(ctx context.Context, c *contracts.OfferCapsule) error
	Get(ctx context.Context, capsuleID string) (*contracts.OfferCapsule, error)
	Latest(ctx context.Context, sessionID string) (*contracts.OfferCapsule, error)
	ListBySession(ctx context.Context, sessionID string) ([]*contracts.OfferCapsule, error)
}

// SQLiteStore persists capsules in SQLite. The canonical bytes and signature
// are stored verbatim, and the payload is stored as its canonical JSON so
// reads reconstruct exactly what was signed.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the capsule database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("capsule store: open %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NewSQLiteStore wraps an existing database handle and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS capsules (
        capsule_id TEXT PRIMARY KEY,
        session_id TEXT NOT NULL,
        policy_version TEXT,
        model_version TEXT,
        payload JSON NOT NULL,
        canonical TEXT NOT NULL,
        signature TEXT NOT NULL,
        key_fingerprint TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        expires_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_capsules_session ON capsules (session_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, c *contracts.OfferCapsule) error {
	query := `INSERT INTO capsules (
		capsule_id, session_id, policy_version, model_version, payload, canonical, signature, key_fingerprint, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	payloadJSON, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("capsule store: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		c.Payload.CapsuleID,
		c.Payload.SessionID,
		c.Payload.PolicyVersion,
		c.Payload.ModelVersion,
		string(payloadJSON),
		c.Canonical,
		c.Signature,
		c.KeyFingerprint,
		c.CreatedAt.UTC().Format(storedTimeLayout),
		c.Payload.ExpiresAt.UTC().Format(storedTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("capsule store: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, capsuleID string) (*contracts.OfferCapsule, error) {
	query := `
        SELECT payload, canonical, signature, key_fingerprint, created_at
        FROM capsules
        WHERE capsule_id = ?
    `
	return s.queryOne(ctx, query, capsuleID)
}

func (s *SQLiteStore) Latest(ctx context.Context, sessionID string) (*contracts.OfferCapsule, error) {
	query := `
        SELECT payload, canonical, signature, key_fingerprint, created_at
        FROM capsules
        WHERE session_id = ?
        ORDER BY created_at DESC
        LIMIT 1
    `
	return s.queryOne(ctx, query, sessionID)
}

func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]*contracts.OfferCapsule, error) {
	query := `
        SELECT payload, canonical, signature, key_fingerprint, created_at
        FROM capsules
        WHERE session_id = ?
        ORDER BY created_at ASC
    `
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var capsules []*contracts.OfferCapsule
	for rows.Next() {
		c, err := scanCapsule(rows.Scan)
		if err != nil {
			return nil, err
		}
		capsules = append(capsules, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return capsules, nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, arg any) (*contracts.OfferCapsule, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	c, err := scanCapsule(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, contracts.ErrCapsuleNotFound
		}
		return nil, err
	}
	return c, nil
}

func scanCapsule(scan func(...any) error) (*contracts.OfferCapsule, error) {
	var (
		payloadJSON string
		canonical   string
		signature   string
		fingerprint string
		createdAt   string
	)
	if err := scan(&payloadJSON, &canonical, &signature, &fingerprint, &createdAt); err != nil {
		return nil, err
	}

	var payload contracts.CapsulePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("capsule store: decode payload: %w", err)
	}

	return &contracts.OfferCapsule{
		Payload:        payload,
		Canonical:      canonical,
		Signature:      signature,
		KeyFingerprint: fingerprint,
		CreatedAt:      parseStoredTime(createdAt),
	}, nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
