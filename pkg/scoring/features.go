package scoring

import (
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
)

// Feature vector layout. Base features occupy 0-9; candidate features are
// appended after them. The predictor contract depends on these positions.
const (
	featDevice = iota
	featUserTier
	featUserStyle
	featRound
	featSessionAge
	featProductType
	featHourOfDay
	featWeekend
	featDemand
	featCompPressure
	featDiscountDepth
	featPricePosition
	featActionType
	featHasPerk
	featPerkValue
	featMarginRatio
	featScaledPrice

	featureCount
)

// Action type ordinals as fed to the model.
const (
	actionOrdinalCounter = 1.0
	actionOrdinalPerk    = 2.0
	actionOrdinalHold    = 3.0
)

// Features is the session/user/product input shared by every candidate in a
// round. All fields have safe zero-value defaults.
type Features struct {
	User       contracts.UserProfile
	Product    contracts.ProductFeatures
	ProductTyp contracts.ProductType
	Round      int
	SessionAge time.Duration
	Now        time.Time
}

// baseVector builds the shared feature prefix.
func baseVector(f Features) []float64 {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}

	device := 0.0
	if f.User.DeviceType == "mobile" {
		device = 1.0
	}

	weekend := 0.0
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1.0
	}

	base := make([]float64, 10, featureCount)
	base[featDevice] = device
	base[featUserTier] = contracts.TierOrdinal(f.User.Tier)
	base[featUserStyle] = styleOrdinal(f.User.Style)
	base[featRound] = float64(f.Round)
	base[featSessionAge] = f.SessionAge.Seconds()
	base[featProductType] = productOrdinal(f.ProductTyp)
	base[featHourOfDay] = float64(now.Hour()) / 24
	base[featWeekend] = weekend
	base[featDemand] = f.Product.DemandScore
	base[featCompPressure] = f.Product.CompPressure
	return base
}

// candidateVector appends the candidate-specific features to a copy of the
// base vector.
func candidateVector(base []float64, a contracts.Action, set *contracts.FeasibleActionSet) []float64 {
	v := make([]float64, featureCount)
	copy(v, base)

	minPrice, maxPrice := set.MinPrice(), set.MaxPrice()
	priceRange := maxPrice - minPrice

	depth, position := 0.0, 0.5
	if priceRange > 0 {
		depth = (maxPrice - a.Price) / priceRange
		position = (a.Price - minPrice) / priceRange
	}

	ordinal := actionOrdinalCounter
	switch a.Type {
	case contracts.ActionOfferPerk:
		ordinal = actionOrdinalPerk
	case contracts.ActionHold:
		ordinal = actionOrdinalHold
	}

	hasPerk, perkValue := 0.0, 0.0
	if a.PerkName != "" {
		hasPerk = 1.0
		perkValue = PerkValue(a.PerkName)
	}

	marginRatio := 0.0
	if a.Price > 0 {
		marginRatio = a.Margin / a.Price
	}

	v[featDiscountDepth] = depth
	v[featPricePosition] = position
	v[featActionType] = ordinal
	v[featHasPerk] = hasPerk
	v[featPerkValue] = perkValue
	v[featMarginRatio] = marginRatio
	v[featScaledPrice] = a.Price / 100
	return v
}

func styleOrdinal(style string) float64 {
	switch style {
	case "generous":
		return 3
	case "persistent":
		return 2
	default:
		return 1
	}
}

func productOrdinal(pt contracts.ProductType) float64 {
	switch pt {
	case contracts.ProductHotel:
		return 2
	case contracts.ProductSightseeing:
		return 3
	default:
		return 1
	}
}

// Perk valuation tables. Value is what the perk is worth to the shopper;
// cost is what it costs us, used in profit math.
var perkValues = map[string]float64{
	"Free breakfast":    15.0,
	"Late checkout":     8.0,
	"Skip the line":     5.0,
	"Free guide":        12.0,
	"Priority boarding": 10.0,
}

var perkCosts = map[string]float64{
	"Free breakfast":    8.0,
	"Late checkout":     2.0,
	"Skip the line":     3.0,
	"Free guide":        8.0,
	"Priority boarding": 5.0,
}

// PerkValue is the estimated shopper-facing value of a perk, 0 if unknown.
func PerkValue(name string) float64 { return perkValues[name] }

// PerkCost is our cost of granting a perk, 0 if unknown.
func PerkCost(name string) float64 { return perkCosts[name] }
