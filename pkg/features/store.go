// Package features reads the per-user and per-product signal blobs the
// scoring engine consumes. Blobs live in the shared cache and are written by
// the micro-event ingestion path; absence is normal and maps to neutral
// defaults, never to an error.
package features

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/atlasfare/bargain/pkg/cache"
	"github.com/atlasfare/bargain/pkg/contracts"
)

const (
	userKeyPrefix    = "bargain:features:user:"
	productKeyPrefix = "bargain:features:product:"

	userTTL    = 24 * time.Hour
	productTTL = 15 * time.Minute
)

// Store serves feature blobs with defaulting.
type Store struct {
	cache  cache.Store
	logger *slog.Logger
}

// NewStore builds a feature store over the shared cache.
func NewStore(c cache.Store, logger *slog.Logger) *Store {
	return &Store{cache: c, logger: logger.With("component", "feature_store")}
}

// User returns the stored profile for a user id, merged over the provided
// base profile. Missing or corrupt blobs leave the base untouched.
func (s *Store) User(ctx context.Context, base contracts.UserProfile) contracts.UserProfile {
	if base.ID == "" {
		return base
	}
	raw, err := s.cache.Get(ctx, userKeyPrefix+base.ID)
	if err != nil {
		return base
	}

	var stored contracts.UserProfile
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.logger.Warn("corrupt user feature blob", "user_id", base.ID, "error", err)
		return base
	}

	merged := base
	if merged.Tier == "" {
		merged.Tier = stored.Tier
	}
	if merged.Style == "" {
		merged.Style = stored.Style
	}
	if merged.DeviceType == "" {
		merged.DeviceType = stored.DeviceType
	}
	return merged
}

// Product returns the demand and competitive-pressure signals for a product.
// No blob means neutral defaults.
func (s *Store) Product(ctx context.Context, productKey string) contracts.ProductFeatures {
	raw, err := s.cache.Get(ctx, productKeyPrefix+productKey)
	if err != nil {
		return contracts.DefaultProductFeatures()
	}

	var pf contracts.ProductFeatures
	if err := json.Unmarshal(raw, &pf); err != nil {
		s.logger.Warn("corrupt product feature blob", "product_key", productKey, "error", err)
		return contracts.DefaultProductFeatures()
	}
	if pf.DemandScore <= 0 || pf.DemandScore > 1 {
		pf.DemandScore = 0.5
	}
	if pf.CompPressure <= 0 || pf.CompPressure > 1 {
		pf.CompPressure = 0.5
	}
	return pf
}

// PutUser stores a user profile blob. Used by the event ingestion path.
func (s *Store) PutUser(ctx context.Context, profile contracts.UserProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, userKeyPrefix+profile.ID, raw, userTTL)
}

// PutProduct stores a product feature blob.
func (s *Store) PutProduct(ctx context.Context, productKey string, pf contracts.ProductFeatures) error {
	raw, err := json.Marshal(pf)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, productKeyPrefix+productKey, raw, productTTL)
}
