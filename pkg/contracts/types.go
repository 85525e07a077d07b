// Package contracts defines the shared value objects of the bargaining
// decision core: supplier snapshots, cost floors, candidate actions, scored
// candidates, offer capsules, and session state.
//
// Everything here is treated as immutable once constructed. Derived values
// (CostFloor, FeasibleActionSet) are recomputed per round, never cached per
// session.
package contracts

import "time"

// ProductType identifies the vertical a product belongs to.
type ProductType string

const (
	ProductFlight      ProductType = "flight"
	ProductHotel       ProductType = "hotel"
	ProductSightseeing ProductType = "sightseeing"
)

// InventoryState is the supplier-reported availability of a snapshot.
type InventoryState string

const (
	InventoryAvailable InventoryState = "AVAILABLE"
	InventoryStale     InventoryState = "STALE"
	InventorySold      InventoryState = "SOLD"
)

// ActionType enumerates the kinds of moves the engine may surface to a user.
type ActionType string

const (
	ActionCounterPrice ActionType = "COUNTER_PRICE"
	ActionOfferPerk    ActionType = "OFFER_PERK"
	ActionHold         ActionType = "HOLD"
)

// LoyaltyTier is the user's loyalty program tier.
type LoyaltyTier string

const (
	TierSilver   LoyaltyTier = "SILVER"
	TierGold     LoyaltyTier = "GOLD"
	TierPlatinum LoyaltyTier = "PLATINUM"
)

// TierOrdinal maps a tier to its feature ordinal. Unknown tiers map to 0.
func TierOrdinal(t LoyaltyTier) float64 {
	switch t {
	case TierPlatinum:
		return 3
	case TierGold:
		return 2
	case TierSilver:
		return 1
	default:
		return 0
	}
}

// SupplierSnapshot is an immutable point-in-time quote from one supplier.
type SupplierSnapshot struct {
	SupplierID   string         `json:"supplier_id"`
	SupplierCode string         `json:"supplier_code"`
	ProductKey   string         `json:"product_key"`
	Net          float64        `json:"net"`
	Taxes        float64        `json:"taxes"`
	Fees         float64        `json:"fees"`
	Currency     string         `json:"currency"`
	Inventory    InventoryState `json:"inventory_state"`
	SnapshotAt   time.Time      `json:"snapshot_at"`
}

// TrueCost is the landed cost of the snapshot: net + taxes + fees.
func (s SupplierSnapshot) TrueCost() float64 {
	return s.Net + s.Taxes + s.Fees
}

// Age returns how old the snapshot is relative to now.
func (s SupplierSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.SnapshotAt)
}

// CostFloor is the derived minimum sellable price for one round.
// It is recomputed per request and never persisted on its own.
type CostFloor struct {
	TrueCost   float64   `json:"true_cost"`
	MinMargin  float64   `json:"min_margin"`
	Floor      float64   `json:"cost_floor"`
	Currency   string    `json:"currency"`
	SupplierID string    `json:"supplier_id"`
	SnapshotAt time.Time `json:"snapshot_at"`

	// Degraded is set when no AVAILABLE snapshot existed and the floor was
	// derived from a non-available quote. Guardrails restrict the round to
	// HOLD when this is set.
	Degraded bool `json:"degraded"`
}

// Action is one candidate move in a feasible action set.
type Action struct {
	Type        ActionType `json:"type"`
	Price       float64    `json:"price"`
	Currency    string     `json:"currency"`
	Margin      float64    `json:"margin"`
	DiscountPct float64    `json:"discount_pct"`
	PerkName    string     `json:"perk_name,omitempty"`
	HoldMinutes int        `json:"hold_minutes,omitempty"`
}

// Constraints is the price window and perk allowance a feasible action set
// was derived from. Pipeline steps may only narrow it, never widen it.
type Constraints struct {
	MinPrice       float64     `json:"min_price"`
	MaxPrice       float64     `json:"max_price"`
	MaxDiscountPct float64     `json:"max_discount_pct"`
	MinMargin      float64     `json:"min_margin"`
	HoldMinutes    int         `json:"hold_minutes"`
	AllowPerks     bool        `json:"allow_perks"`
	AllowedPerks   []string    `json:"allowed_perks,omitempty"`
	PromoApplied   bool        `json:"promo_applied,omitempty"`
	PromoCode      string      `json:"promo_code,omitempty"`
	TierBoost      float64     `json:"tier_boost,omitempty"`
	ProductType    ProductType `json:"product_type"`
}

// FeasibleActionSet is the bounded output of the offerability engine for one
// round. It is discarded after scoring.
type FeasibleActionSet struct {
	Actions     []Action    `json:"actions"`
	Constraints Constraints `json:"constraints"`
	Floor       CostFloor   `json:"floor"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// MinPrice is the lower bound of the set's price window.
func (f *FeasibleActionSet) MinPrice() float64 { return f.Constraints.MinPrice }

// MaxPrice is the upper bound of the set's price window.
func (f *FeasibleActionSet) MaxPrice() float64 { return f.Constraints.MaxPrice }

// ScoredCandidate is an Action augmented with model output and profit math.
type ScoredCandidate struct {
	Action

	TrueCost       float64 `json:"true_cost"`
	AcceptProb     float64 `json:"accept_prob"`
	Profit         float64 `json:"profit"`
	ExpectedProfit float64 `json:"expected_profit"`

	// Confidence is advisory, for telemetry and explainability. It never
	// gates selection.
	Confidence float64 `json:"confidence"`
}

// UserProfile carries the per-user attributes the engines consume. Zero
// values are valid and mean "anonymous shopper on desktop".
type UserProfile struct {
	ID         string      `json:"id"`
	Tier       LoyaltyTier `json:"tier,omitempty"`
	Style      string      `json:"style,omitempty"` // cautious | persistent | generous
	DeviceType string      `json:"device_type,omitempty"`
}

// ProductFeatures are the optional product-level signals from the feature
// store. Defaults (0.5 each) represent "no signal".
type ProductFeatures struct {
	DemandScore  float64 `json:"demand_score"`
	CompPressure float64 `json:"comp_pressure"`
}

// DefaultProductFeatures is used when the feature store has no blob for a
// product.
func DefaultProductFeatures() ProductFeatures {
	return ProductFeatures{DemandScore: 0.5, CompPressure: 0.5}
}

// SessionOutcome is the terminal (or open) state of a bargaining session.
type SessionOutcome string

const (
	OutcomeOpen      SessionOutcome = "open"
	OutcomeAccepted  SessionOutcome = "accepted"
	OutcomeExpired   SessionOutcome = "expired"
	OutcomeAbandoned SessionOutcome = "abandoned"
)

// SessionEvent is one entry in a session's replay trail.
type SessionEvent struct {
	Round     int       `json:"round"`
	Kind      string    `json:"kind"` // start | counter | accept | abandon | expire | violation
	UserOffer float64   `json:"user_offer,omitempty"`
	Action    *Action   `json:"action,omitempty"`
	CapsuleID string    `json:"capsule_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}

// Session is the mutable aggregate owned by the orchestrator.
type Session struct {
	ID          string         `json:"id"`
	ProductKey  string         `json:"product_key"`
	ProductType ProductType    `json:"product_type"`
	Round       int            `json:"round"`
	User        UserProfile    `json:"user"`
	PromoCode   string         `json:"promo_code,omitempty"`
	Outcome     SessionOutcome `json:"outcome"`
	LastAction  *Action        `json:"last_action,omitempty"`
	CapsuleID   string         `json:"capsule_id,omitempty"`
	FinalPrice  float64        `json:"final_price,omitempty"`
	Events      []SessionEvent `json:"events,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Terminal reports whether the session has reached a terminal outcome.
func (s *Session) Terminal() bool {
	return s.Outcome != OutcomeOpen
}
