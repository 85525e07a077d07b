package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/atlasfare/bargain/pkg/cache"
)

// cacheKey holds the raw active document in the distributed tier. The value
// carries no TTL: a policy lives until a new version is explicitly activated.
const cacheKey = "bargain:policy:active"

// defaultTrustWindow is how long the process-local copy is trusted before
// the store re-checks the distributed tier.
const defaultTrustWindow = 60 * time.Second

// Source fetches the raw policy document from wherever it is published.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads the policy document from the local filesystem.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(_ context.Context) ([]byte, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("policy source %s: %w", f.Path, err)
	}
	return raw, nil
}

// Store serves the active policy with two cache tiers: a process-local copy
// guarded by a short trust window, and a distributed tier shared across
// processes. Configuration faults are absorbed: callers always get a usable
// policy, degrading to the hardcoded fallback when nothing else is loadable.
type Store struct {
	source      Source
	distributed cache.Store // nil disables the tier
	logger      *slog.Logger
	trustWindow time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	active   *Policy
	loadedAt time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithTrustWindow overrides the local-copy trust window.
func WithTrustWindow(d time.Duration) Option {
	return func(s *Store) { s.trustWindow = d }
}

// WithClock overrides the store clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a policy store. distributed may be nil.
func NewStore(source Source, distributed cache.Store, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		source:      source,
		distributed: distributed,
		logger:      logger.With("component", "policy_store"),
		trustWindow: defaultTrustWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActivePolicy returns the active policy. It never fails: fetch and
// validation errors are logged and absorbed via the previous copy or the
// hardcoded fallback.
func (s *Store) ActivePolicy(ctx context.Context) *Policy {
	s.mu.RLock()
	if s.active != nil && s.now().Sub(s.loadedAt) < s.trustWindow {
		p := s.active
		s.mu.RUnlock()
		return p
	}
	s.mu.RUnlock()

	p, err := s.load(ctx, false)
	if err == nil {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		// The previous copy stays authoritative: policies have no TTL and a
		// transient fetch failure must not flip behavior.
		s.loadedAt = s.now()
		s.logger.Warn("policy refresh failed, keeping previous copy",
			"version", s.active.Version, "error", err)
		return s.active
	}
	s.logger.Error("no policy loadable, using fallback", "error", err)
	s.active = FallbackPolicy()
	s.loadedAt = s.now()
	return s.active
}

// Refresh forces a re-fetch from the source, bypassing both cache tiers.
// Unlike ActivePolicy it surfaces the error, for operator tooling.
func (s *Store) Refresh(ctx context.Context) (*Policy, error) {
	return s.load(ctx, true)
}

// load resolves a policy from the distributed tier or the source. With
// force set the distributed tier is skipped and rewritten.
func (s *Store) load(ctx context.Context, force bool) (*Policy, error) {
	if !force && s.distributed != nil {
		if raw, err := s.distributed.Get(ctx, cacheKey); err == nil {
			if p, err := Parse(raw); err == nil {
				return s.adopt(p), nil
			} else {
				s.logger.Warn("distributed policy copy invalid, refetching", "error", err)
			}
		}
	}

	raw, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch policy: %w", err)
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	if s.distributed != nil {
		if err := s.distributed.Set(ctx, cacheKey, raw, 0); err != nil {
			s.logger.Warn("could not write policy to distributed tier", "error", err)
		}
	}
	return s.adopt(p), nil
}

// adopt installs a parsed policy as the local copy unless the active one is
// a newer version. Version comparison is semver; unparsable versions always
// yield to the incoming document.
func (s *Store) adopt(p *Policy) *Policy {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && !s.active.Fallback && olderThan(p.Version, s.active.Version) {
		s.logger.Warn("ignoring older policy version",
			"incoming", p.Version, "active", s.active.Version)
		s.loadedAt = s.now()
		return s.active
	}

	if s.active == nil || s.active.Version != p.Version {
		s.logger.Info("policy activated", "version", p.Version)
	}
	s.active = p
	s.loadedAt = s.now()
	return p
}

// olderThan reports whether version a is strictly older than b.
func olderThan(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.LessThan(vb)
}

// CacheAge reports how old the process-local copy is, for health reporting.
func (s *Store) CacheAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return 0
	}
	return s.now().Sub(s.loadedAt)
}
