// Package snapshots serves supplier snapshots for a product, caching them
// and coalescing concurrent upstream searches so a burst of rounds for the
// same product costs one supplier call.
package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlasfare/bargain/pkg/cache"
	"github.com/atlasfare/bargain/pkg/coalesce"
	"github.com/atlasfare/bargain/pkg/contracts"
)

const (
	cacheKeyPrefix = "bargain:snapshots:"
	defaultTTL     = 60 * time.Second
)

// Source is the upstream supplier aggregator.
type Source interface {
	Search(ctx context.Context, productKey string) ([]contracts.SupplierSnapshot, error)
}

// Provider is the cached, coalesced snapshot lookup the pipeline uses.
// Failures never surface raw upstream errors; a round that cannot get
// snapshots gets ErrNoInventory and stays retryable.
type Provider struct {
	source   Source
	cache    cache.Store
	registry *coalesce.Registry
	ttl      time.Duration
	logger   *slog.Logger
}

// NewProvider builds a Provider with the default snapshot TTL.
func NewProvider(source Source, store cache.Store, logger *slog.Logger) *Provider {
	return &Provider{
		source:   source,
		cache:    store,
		registry: coalesce.NewRegistry(),
		ttl:      defaultTTL,
		logger:   logger.With("component", "snapshot_provider"),
	}
}

// SetTTL overrides the cache TTL. Zero restores the default.
func (p *Provider) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	p.ttl = ttl
}

// Get returns the current snapshots for a product. Cache hits are served
// directly; misses trigger one upstream search shared by all concurrent
// callers for the same product.
func (p *Provider) Get(ctx context.Context, productKey string) ([]contracts.SupplierSnapshot, error) {
	key := cacheKeyPrefix + productKey

	if raw, err := p.cache.Get(ctx, key); err == nil {
		var snaps []contracts.SupplierSnapshot
		if err := json.Unmarshal(raw, &snaps); err == nil && len(snaps) > 0 {
			return snaps, nil
		}
		// A corrupt entry falls through to a fresh fetch.
		_ = p.cache.Delete(ctx, key)
	}

	callKey := coalesce.Key("snapshots", map[string]string{"product_key": productKey})
	val, shared, err := p.registry.Do(ctx, callKey, func(ctx context.Context) (interface{}, error) {
		return p.fetch(ctx, productKey, key)
	})
	if err != nil {
		p.logger.Warn("snapshot fetch failed",
			"product_key", productKey,
			"shared", shared,
			"error", err)
		return nil, fmt.Errorf("snapshots for %s: %w", productKey, contracts.ErrNoInventory)
	}
	return val.([]contracts.SupplierSnapshot), nil
}

// Invalidate drops the cached snapshots for a product so the next round
// refetches. Used after an accept consumes inventory.
func (p *Provider) Invalidate(ctx context.Context, productKey string) {
	_ = p.cache.Delete(ctx, cacheKeyPrefix+productKey)
	p.registry.Forget(coalesce.Key("snapshots", map[string]string{"product_key": productKey}))
}

func (p *Provider) fetch(ctx context.Context, productKey, cacheKey string) ([]contracts.SupplierSnapshot, error) {
	snaps, err := p.source.Search(ctx, productKey)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("empty supplier search result")
	}

	if raw, err := json.Marshal(snaps); err == nil {
		if err := p.cache.Set(ctx, cacheKey, raw, p.ttl); err != nil {
			p.logger.Warn("snapshot cache write failed", "product_key", productKey, "error", err)
		}
	}
	return snaps, nil
}
