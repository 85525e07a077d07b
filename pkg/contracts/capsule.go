package contracts

import "time"

// ChosenAction is the subset of a scored candidate that gets sealed into a
// capsule payload.
type ChosenAction struct {
	AcceptProb     float64    `json:"accept_prob"`
	Currency       string     `json:"currency"`
	ExpectedProfit float64    `json:"expected_profit"`
	HoldMinutes    int        `json:"hold_minutes,omitempty"`
	Perk           string     `json:"perk,omitempty"`
	Price          float64    `json:"price"`
	SupplierID     string     `json:"supplier_id"`
	Type           ActionType `json:"type"`
}

// CapsuleConstraints is the constraint summary bound into a capsule.
type CapsuleConstraints struct {
	AllowPerks     bool    `json:"allow_perks"`
	MaxDiscountPct float64 `json:"max_discount_pct"`
	MinMargin      float64 `json:"min_margin"`
}

// CapsulePayload is the canonicalized body of an offer capsule. The JSON key
// set is fixed and serialized via RFC 8785, so verification is byte-exact on
// both sides. Field order here mirrors the sorted key order for readability.
type CapsulePayload struct {
	CapsuleID     string             `json:"capsule_id"`
	Chosen        ChosenAction       `json:"chosen"`
	Constraints   CapsuleConstraints `json:"constraints"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Explain       string             `json:"explain"`
	Floor         float64            `json:"floor"`
	MaxPrice      float64            `json:"max_price"`
	MinPrice      float64            `json:"min_price"`
	ModelVersion  string             `json:"model_version"`
	PolicyVersion string             `json:"policy_version"`
	SessionID     string             `json:"session_id"`
	SnapshotsHash string             `json:"snapshots_hash"`
	SupplierIDs   []string           `json:"supplier_ids"`
	UserTier      LoyaltyTier        `json:"user_tier,omitempty"`
}

// OfferCapsule is the signed, immutable record of one decision.
type OfferCapsule struct {
	Payload        CapsulePayload `json:"payload"`
	Canonical      string         `json:"canonical"`
	Signature      string         `json:"signature"` // base64 ASN.1 ECDSA
	KeyFingerprint string         `json:"public_key_fingerprint"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Expired reports whether the capsule's offer window has passed.
func (c *OfferCapsule) Expired(now time.Time) bool {
	return now.After(c.Payload.ExpiresAt)
}

// Summary is the truncated view of a capsule returned to API clients.
type CapsuleSummary struct {
	CapsuleID      string    `json:"capsule_id"`
	PolicyVersion  string    `json:"policy_version"`
	ModelVersion   string    `json:"model_version"`
	Signature      string    `json:"signature"` // truncated for display
	KeyFingerprint string    `json:"public_key_fingerprint"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary returns the client-safe view of the capsule.
func (c *OfferCapsule) Summary() CapsuleSummary {
	sig := c.Signature
	if len(sig) > 16 {
		sig = sig[:16] + "..."
	}
	return CapsuleSummary{
		CapsuleID:      c.Payload.CapsuleID,
		PolicyVersion:  c.Payload.PolicyVersion,
		ModelVersion:   c.Payload.ModelVersion,
		Signature:      sig,
		KeyFingerprint: c.KeyFingerprint,
		ExpiresAt:      c.Payload.ExpiresAt,
		CreatedAt:      c.CreatedAt,
	}
}
