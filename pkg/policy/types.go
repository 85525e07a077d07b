// Package policy loads, validates, and caches the versioned bargaining
// policy document. Policies are immutable once loaded: a new version
// replaces the active one wholesale, nothing is mutated in place.
package policy

import (
	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/google/cel-go/cel"
)

// Global holds the policy-wide limits.
type Global struct {
	CurrencyBase     string  `yaml:"currency_base" json:"currency_base"`
	ExplorationPct   float64 `yaml:"exploration_pct" json:"exploration_pct"`
	MaxRounds        int     `yaml:"max_rounds" json:"max_rounds"`
	ResponseBudgetMS int     `yaml:"response_budget_ms" json:"response_budget_ms"`
	NeverLoss        bool    `yaml:"never_loss" json:"never_loss"`
}

// PriceRule is the per-product-type pricing rule.
type PriceRule struct {
	MinMargin      float64  `yaml:"min_margin" json:"min_margin"`
	MaxDiscountPct float64  `yaml:"max_discount_pct" json:"max_discount_pct"`
	HoldMinutes    int      `yaml:"hold_minutes" json:"hold_minutes"`
	AllowPerks     bool     `yaml:"allow_perks" json:"allow_perks"`
	AllowedPerks   []string `yaml:"allowed_perks" json:"allowed_perks"`
}

// SupplierOverride narrows the base rule for one supplier. Nil fields mean
// "no override". Overrides may only tighten the base window, never widen it;
// the offerability engine enforces that when applying them.
type SupplierOverride struct {
	MaxDiscountPct *float64 `yaml:"max_discount_pct" json:"max_discount_pct,omitempty"`
	AllowPerks     *bool    `yaml:"allow_perks" json:"allow_perks,omitempty"`
	MinMargin      *float64 `yaml:"min_margin" json:"min_margin,omitempty"`
}

// Stacking caps the combined base + promo discount.
type Stacking struct {
	MaxTotalDiscountPct float64 `yaml:"max_total_discount_pct" json:"max_total_discount_pct"`
}

// Eligibility describes who a promo applies to. Expression is an optional
// CEL predicate over `tier`, `device`, and `round`; a promo whose expression
// fails to compile or evaluate is silently treated as "no promo".
type Eligibility struct {
	LoyaltyTierBoost map[contracts.LoyaltyTier]float64 `yaml:"loyalty_tier_boost" json:"loyalty_tier_boost"`
	Expression       string                            `yaml:"expression" json:"expression,omitempty"`
}

// PromoRules groups promo stacking and eligibility settings.
type PromoRules struct {
	Stacking    Stacking    `yaml:"stacking" json:"stacking"`
	Eligibility Eligibility `yaml:"eligibility" json:"eligibility"`
}

// Guardrails hold the safety thresholds applied after candidate generation.
type Guardrails struct {
	AbortIfInventoryStaleMinutes int `yaml:"abort_if_inventory_stale_minutes" json:"abort_if_inventory_stale_minutes"`
	AbortIfLatencyMSOver         int `yaml:"abort_if_latency_ms_over" json:"abort_if_latency_ms_over"`
}

// Policy is the validated, O(1)-indexed, immutable policy document.
type Policy struct {
	Version           string                              `yaml:"version" json:"version"`
	Global            Global                              `yaml:"global" json:"global"`
	PriceRules        map[contracts.ProductType]PriceRule `yaml:"price_rules" json:"price_rules"`
	SupplierOverrides map[string]SupplierOverride         `yaml:"supplier_overrides" json:"supplier_overrides"`
	PromoRules        PromoRules                          `yaml:"promo_rules" json:"promo_rules"`
	Guardrails        Guardrails                          `yaml:"guardrails" json:"guardrails"`

	// Fallback marks the hardcoded fail-safe policy so operators can tell a
	// degraded decision from a normal one in logs and capsules.
	Fallback bool `yaml:"-" json:"fallback,omitempty"`

	// eligibility is the compiled promo eligibility predicate, nil when the
	// document carries none or compilation failed.
	eligibility cel.Program
}

// RuleFor returns the price rule for a product type, falling back to the
// flight rule if the type is unknown.
func (p *Policy) RuleFor(pt contracts.ProductType) PriceRule {
	if r, ok := p.PriceRules[pt]; ok {
		return r
	}
	return p.PriceRules[contracts.ProductFlight]
}

// OverrideFor returns the supplier override for a code, if any.
func (p *Policy) OverrideFor(code string) (SupplierOverride, bool) {
	o, ok := p.SupplierOverrides[code]
	return o, ok
}

// TierBoost returns the loyalty boost multiplier for a tier, 0 when none.
func (p *Policy) TierBoost(tier contracts.LoyaltyTier) float64 {
	return p.PromoRules.Eligibility.LoyaltyTierBoost[tier]
}

// PromoEligible evaluates the promo eligibility predicate for a user. A
// policy without an expression admits everyone; an evaluation error admits
// no one (the promo is then silently ignored, matching the stacking step).
func (p *Policy) PromoEligible(tier contracts.LoyaltyTier, device string, round int) bool {
	if p.PromoRules.Eligibility.Expression == "" {
		return true
	}
	if p.eligibility == nil {
		return false
	}
	out, _, err := p.eligibility.Eval(map[string]interface{}{
		"tier":   string(tier),
		"device": device,
		"round":  int64(round),
	})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

// Fallback policy constants: conservative margins, no perks, fewer rounds.
const fallbackVersion = "0.0.0-fallback"

// FallbackPolicy returns the hardcoded fail-safe policy used when the
// configured document cannot be fetched or does not validate.
func FallbackPolicy() *Policy {
	return &Policy{
		Version: fallbackVersion,
		Global: Global{
			CurrencyBase:     "USD",
			ExplorationPct:   0.05,
			MaxRounds:        2,
			ResponseBudgetMS: 300,
			NeverLoss:        true,
		},
		PriceRules: map[contracts.ProductType]PriceRule{
			contracts.ProductFlight: {
				MinMargin:      10.0,
				MaxDiscountPct: 0.10,
				HoldMinutes:    5,
			},
			contracts.ProductHotel: {
				MinMargin:      8.0,
				MaxDiscountPct: 0.15,
				HoldMinutes:    10,
			},
			contracts.ProductSightseeing: {
				MinMargin:      6.0,
				MaxDiscountPct: 0.15,
				HoldMinutes:    5,
			},
		},
		SupplierOverrides: map[string]SupplierOverride{},
		PromoRules: PromoRules{
			Stacking:    Stacking{MaxTotalDiscountPct: 0.15},
			Eligibility: Eligibility{LoyaltyTierBoost: map[contracts.LoyaltyTier]float64{}},
		},
		Guardrails: Guardrails{
			AbortIfInventoryStaleMinutes: 3,
			AbortIfLatencyMSOver:         250,
		},
		Fallback: true,
	}
}
