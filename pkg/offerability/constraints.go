package offerability

import (
	"math"

	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/policy"
)

// baseConstraints opens the price window from the product type's base rule:
// min at the cost floor, max at floor plus the rule's discount allowance of
// true cost.
func baseConstraints(pt contracts.ProductType, rule policy.PriceRule, floor contracts.CostFloor) contracts.Constraints {
	return contracts.Constraints{
		MinPrice:       floor.Floor,
		MaxPrice:       floor.Floor + floor.TrueCost*rule.MaxDiscountPct,
		MaxDiscountPct: rule.MaxDiscountPct,
		MinMargin:      rule.MinMargin,
		HoldMinutes:    rule.HoldMinutes,
		AllowPerks:     rule.AllowPerks,
		AllowedPerks:   append([]string(nil), rule.AllowedPerks...),
		ProductType:    pt,
	}
}

// applySupplierOverride narrows the window per the supplier's override.
// Overrides may only tighten: a cap above the base cap is ignored.
func applySupplierOverride(cons contracts.Constraints, o policy.SupplierOverride, floor contracts.CostFloor) contracts.Constraints {
	if o.MaxDiscountPct != nil && *o.MaxDiscountPct < cons.MaxDiscountPct {
		cons.MaxDiscountPct = *o.MaxDiscountPct
		cons.MaxPrice = cons.MinPrice + floor.TrueCost*cons.MaxDiscountPct
	}
	if o.AllowPerks != nil && !*o.AllowPerks {
		cons.AllowPerks = false
		cons.AllowedPerks = nil
	}
	return cons
}

// applyPromoCap bounds the combined base + promo discount by the policy's
// stacking limit.
func applyPromoCap(cons contracts.Constraints, floor contracts.CostFloor, maxTotalPct float64, code string) contracts.Constraints {
	capped := cons.MinPrice + floor.TrueCost*maxTotalPct
	cons.MaxPrice = math.Min(cons.MaxPrice, capped)
	cons.PromoApplied = true
	cons.PromoCode = code
	return cons
}

// applyTierBoost widens the discount allowance by the loyalty tier's
// multiplier, bounded by the supplier-overridden cap so a boost can never
// escape the narrowed window.
func applyTierBoost(cons contracts.Constraints, floor contracts.CostFloor, boost, supplierCapPct float64) contracts.Constraints {
	if boost <= 1 {
		return cons
	}
	boosted := math.Min(cons.MaxDiscountPct*boost, supplierCapPct)
	if boosted <= cons.MaxDiscountPct {
		return cons
	}
	cons.MaxDiscountPct = boosted
	cons.MaxPrice = math.Max(cons.MaxPrice, cons.MinPrice+floor.TrueCost*boosted)
	cons.TierBoost = boost
	return cons
}
