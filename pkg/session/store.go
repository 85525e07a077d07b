// Package session owns the bargaining session lifecycle: the mutable session
// aggregate, its persistence, and the orchestrator that drives rounds through
// the decision pipeline.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
)

// Store persists session aggregates. Save is an upsert keyed by session id.
type Store interface {
	Get(ctx context.Context, id string) (*contracts.Session, error)
	Save(ctx context.Context, s *contracts.Session) error
	// ListOpenBefore returns open sessions not updated since the cutoff.
	// Used by the expiry sweep.
	ListOpenBefore(ctx context.Context, cutoff time.Time) ([]*contracts.Session, error)
}

// MemoryStore keeps sessions in process memory. Tests and single-node
// deployments; sessions are copied on the way in and out so callers never
// share the stored aggregate.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*contracts.Session, error) {
	m.mu.RLock()
	raw, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, contracts.ErrSessionNotFound)
	}

	var s contracts.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *contracts.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	m.mu.Lock()
	m.sessions[s.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListOpenBefore(_ context.Context, cutoff time.Time) ([]*contracts.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*contracts.Session
	for id, raw := range m.sessions {
		var s contracts.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		if s.Outcome == contracts.OutcomeOpen && s.UpdatedAt.Before(cutoff) {
			out = append(out, &s)
		}
	}
	return out, nil
}
