package offerability

import (
	"math"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
)

// Price point bounds for one round. The step count scales with the window
// width but stays capped so scoring remains within its latency budget.
const (
	minPricePoints = 5
	maxPricePoints = 10
)

// materialize turns a constraint window into the discrete candidate list:
// evenly spaced counter-prices from min to max, one perk offer per allowed
// perk at min price, and exactly one HOLD at min price.
func materialize(cons contracts.Constraints, floor contracts.CostFloor, now time.Time) *contracts.FeasibleActionSet {
	// Snap the window to cents conservatively: min rounds up, max rounds
	// down, so no materialized price can drop below the cost floor.
	cons.MinPrice = ceil2(cons.MinPrice)
	cons.MaxPrice = math.Max(cons.MinPrice, floor2(cons.MaxPrice))

	priceRange := cons.MaxPrice - cons.MinPrice
	steps := pricePoints(priceRange)

	actions := make([]contracts.Action, 0, steps+len(cons.AllowedPerks)+1)
	for i := 0; i < steps; i++ {
		ratio := 0.0
		if steps > 1 {
			ratio = float64(i) / float64(steps-1)
		}
		price := round2(cons.MinPrice + priceRange*ratio)
		actions = append(actions, contracts.Action{
			Type:        contracts.ActionCounterPrice,
			Price:       price,
			Currency:    floor.Currency,
			Margin:      price - floor.TrueCost,
			DiscountPct: discountPct(cons.MaxPrice, price, floor.TrueCost),
		})
	}

	if cons.AllowPerks {
		for _, perk := range cons.AllowedPerks {
			actions = append(actions, contracts.Action{
				Type:     contracts.ActionOfferPerk,
				Price:    round2(cons.MinPrice),
				Currency: floor.Currency,
				Margin:   cons.MinPrice - floor.TrueCost,
				PerkName: perk,
			})
		}
	}

	actions = append(actions, contracts.Action{
		Type:        contracts.ActionHold,
		Price:       round2(cons.MinPrice),
		Currency:    floor.Currency,
		Margin:      cons.MinPrice - floor.TrueCost,
		HoldMinutes: cons.HoldMinutes,
	})

	return &contracts.FeasibleActionSet{
		Actions:     actions,
		Constraints: cons,
		Floor:       floor,
		GeneratedAt: now,
	}
}

// pricePoints scales the step count with the window width (one point per $5
// of range) within the fixed bounds.
func pricePoints(priceRange float64) int {
	steps := int(priceRange / 5)
	if steps < minPricePoints {
		return minPricePoints
	}
	if steps > maxPricePoints {
		return maxPricePoints
	}
	return steps
}

func discountPct(maxPrice, price, trueCost float64) float64 {
	if trueCost <= 0 {
		return 0
	}
	return (maxPrice - price) / trueCost
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ceil2(v float64) float64 {
	return math.Ceil(v*100) / 100
}

func floor2(v float64) float64 {
	return math.Floor(v*100) / 100
}
