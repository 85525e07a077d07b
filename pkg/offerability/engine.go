// Package offerability generates the bounded, discrete feasible action set
// for one bargaining round: candidate counter-prices, perk offers, and a
// hold, derived from the active policy, the cost floor, and the session's
// guardrails. Every pipeline step is pure and may only narrow the price
// window opened by the step before it.
package offerability

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/policy"
	"github.com/atlasfare/bargain/pkg/pricing"
)

// Promo is the resolved state of a promo code.
type Promo struct {
	Code      string
	Active    bool
	ExpiresAt time.Time
}

// Expired reports whether the promo window has passed.
func (p *Promo) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// PromoLookup resolves promo codes. Lookups that fail, or resolve to an
// inactive or expired promo, are treated as "no promo" and never surface an
// error to the shopper.
type PromoLookup interface {
	Lookup(ctx context.Context, code string) (*Promo, error)
}

// Context is the per-round input to Generate.
type Context struct {
	ProductKey   string
	ProductType  contracts.ProductType
	Snapshots    []contracts.SupplierSnapshot
	User         contracts.UserProfile
	PromoCode    string
	Round        int
	SessionStart time.Time
}

// Engine generates feasible action sets.
type Engine struct {
	policies *policy.Store
	floors   *pricing.Resolver
	promos   PromoLookup // nil disables promo handling
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. promos may be nil.
func NewEngine(policies *policy.Store, floors *pricing.Resolver, promos PromoLookup, logger *slog.Logger) *Engine {
	return &Engine{
		policies: policies,
		floors:   floors,
		promos:   promos,
		logger:   logger.With("component", "offerability"),
		now:      time.Now,
	}
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Generate runs the full pipeline for one round. The only error it returns
// is ErrNoInventory; everything else degrades through guardrails. The result
// always contains at least one action (HOLD is the guaranteed fallback).
func (e *Engine) Generate(ctx context.Context, rc Context) (*contracts.FeasibleActionSet, error) {
	started := e.now()
	pol := e.policies.ActivePolicy(ctx)

	floor, err := e.floors.Resolve(rc.ProductKey, rc.ProductType, rc.Snapshots, pol)
	if err != nil {
		return nil, err
	}

	rule := pol.RuleFor(rc.ProductType)
	cons := baseConstraints(rc.ProductType, rule, floor)

	// The boost is only clamped by a supplier override; without one the
	// base allowance may widen.
	supplierCapPct := math.Inf(1)
	if override, ok := pol.OverrideFor(supplierCode(rc.Snapshots, floor)); ok {
		cons = applySupplierOverride(cons, override, floor)
		supplierCapPct = cons.MaxDiscountPct
	}

	cons = e.applyPromo(ctx, rc, pol, cons, floor)
	cons = applyTierBoost(cons, floor, pol.TierBoost(rc.User.Tier), supplierCapPct)

	set := materialize(cons, floor, started)

	elapsed := started.Sub(rc.SessionStart)
	inventoryAge := pricing.SnapshotAge(floor, started)
	set = applyGuardrails(set, pol, rc.Round, inventoryAge, elapsed)

	e.logger.Info("feasible actions generated",
		"product_key", rc.ProductKey,
		"round", rc.Round,
		"action_count", len(set.Actions),
		"cost_floor", floor.Floor,
		"policy_version", pol.Version,
		"generation_ms", e.now().Sub(started).Milliseconds())

	return set, nil
}

// applyPromo caps the combined discount when a valid, eligible promo is
// present. Invalid, inactive, expired, or ineligible promos are silently
// ignored.
func (e *Engine) applyPromo(ctx context.Context, rc Context, pol *policy.Policy, cons contracts.Constraints, floor contracts.CostFloor) contracts.Constraints {
	if rc.PromoCode == "" || e.promos == nil {
		return cons
	}
	promo, err := e.promos.Lookup(ctx, rc.PromoCode)
	if err != nil || promo == nil || !promo.Active || promo.Expired(e.now()) {
		if err != nil {
			e.logger.Warn("promo lookup failed, continuing without promo",
				"promo_code", rc.PromoCode, "error", err)
		}
		return cons
	}
	if !pol.PromoEligible(rc.User.Tier, rc.User.DeviceType, rc.Round) {
		return cons
	}
	return applyPromoCap(cons, floor, pol.PromoRules.Stacking.MaxTotalDiscountPct, rc.PromoCode)
}

// supplierCode returns the override-lookup code for the floor's supplier,
// falling back to the first snapshot's code.
func supplierCode(snapshots []contracts.SupplierSnapshot, floor contracts.CostFloor) string {
	for _, s := range snapshots {
		if s.SupplierID == floor.SupplierID {
			return s.SupplierCode
		}
	}
	if len(snapshots) > 0 {
		return snapshots[0].SupplierCode
	}
	return ""
}
