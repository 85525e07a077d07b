package capsule

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atlasfare/bargain/pkg/canonicalize"
	"github.com/atlasfare/bargain/pkg/contracts"
)

// Expiry windows by action type. HOLD capsules use the hold duration itself.
const (
	defaultOfferTTL = 15 * time.Minute
	perkOfferTTL    = 20 * time.Minute
)

// SupplierArbiter decides which supplier a capsule commits to when the chosen
// action does not name one. The default commits to the floor's supplier.
type SupplierArbiter interface {
	Choose(chosen contracts.ScoredCandidate, floor contracts.CostFloor, snapshots []contracts.SupplierSnapshot) string
}

// FloorSupplierArbiter commits to the supplier that produced the cost floor,
// falling back to the first snapshot when the floor carries no supplier.
type FloorSupplierArbiter struct{}

func (FloorSupplierArbiter) Choose(_ contracts.ScoredCandidate, floor contracts.CostFloor, snapshots []contracts.SupplierSnapshot) string {
	if floor.SupplierID != "" {
		return floor.SupplierID
	}
	if len(snapshots) > 0 {
		return snapshots[0].SupplierID
	}
	return ""
}

// SealRequest carries everything a capsule must bind.
type SealRequest struct {
	SessionID     string
	Chosen        contracts.ScoredCandidate
	Set           *contracts.FeasibleActionSet
	Snapshots     []contracts.SupplierSnapshot
	PolicyVersion string
	ModelVersion  string
	UserTier      contracts.LoyaltyTier
}

// Sealer assembles, canonicalizes, and signs offer capsules.
type Sealer struct {
	signer  *Signer
	arbiter SupplierArbiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewSealer builds a Sealer. A nil arbiter gets the floor-supplier default.
func NewSealer(signer *Signer, arbiter SupplierArbiter, logger *slog.Logger) *Sealer {
	if arbiter == nil {
		arbiter = FloorSupplierArbiter{}
	}
	return &Sealer{
		signer:  signer,
		arbiter: arbiter,
		logger:  logger.With("component", "capsule_sealer"),
		now:     time.Now,
	}
}

// SetClock overrides the sealer's clock for tests.
func (s *Sealer) SetClock(now func() time.Time) { s.now = now }

// Seal builds the capsule payload for one decision, canonicalizes it, and
// signs the canonical bytes with the current key.
func (s *Sealer) Seal(req SealRequest) (*contracts.OfferCapsule, error) {
	if req.Set == nil {
		return nil, fmt.Errorf("seal: nil action set")
	}

	now := s.now().UTC()
	floor := req.Set.Floor

	snapHash, err := canonicalize.CanonicalHash(snapshotDigests(req.Snapshots))
	if err != nil {
		return nil, fmt.Errorf("seal: hash snapshots: %w", err)
	}

	supplierID := s.arbiter.Choose(req.Chosen, floor, req.Snapshots)

	payload := contracts.CapsulePayload{
		CapsuleID: uuid.NewString(),
		Chosen: contracts.ChosenAction{
			AcceptProb:     req.Chosen.AcceptProb,
			Currency:       req.Chosen.Currency,
			ExpectedProfit: req.Chosen.ExpectedProfit,
			HoldMinutes:    req.Chosen.HoldMinutes,
			Perk:           req.Chosen.PerkName,
			Price:          req.Chosen.Price,
			SupplierID:     supplierID,
			Type:           req.Chosen.Type,
		},
		Constraints: contracts.CapsuleConstraints{
			AllowPerks:     req.Set.Constraints.AllowPerks,
			MaxDiscountPct: req.Set.Constraints.MaxDiscountPct,
			MinMargin:      req.Set.Constraints.MinMargin,
		},
		CreatedAt:     now,
		ExpiresAt:     now.Add(expiryFor(req.Chosen)),
		Explain:       explain(req.Chosen, req.Set),
		Floor:         floor.Floor,
		MaxPrice:      req.Set.Constraints.MaxPrice,
		MinPrice:      req.Set.Constraints.MinPrice,
		ModelVersion:  req.ModelVersion,
		PolicyVersion: req.PolicyVersion,
		SessionID:     req.SessionID,
		SnapshotsHash: snapHash,
		SupplierIDs:   supplierIDs(req.Snapshots),
		UserTier:      req.UserTier,
	}

	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("seal: canonicalize: %w", err)
	}
	sig, err := s.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	s.logger.Debug("capsule sealed",
		"capsule_id", payload.CapsuleID,
		"session_id", payload.SessionID,
		"action", payload.Chosen.Type,
		"expires_at", payload.ExpiresAt)

	return &contracts.OfferCapsule{
		Payload:        payload,
		Canonical:      string(canonical),
		Signature:      sig,
		KeyFingerprint: s.signer.Fingerprint(),
		CreatedAt:      now,
	}, nil
}

// Verify recomputes the canonical form of the capsule payload and checks the
// signature against it. Any divergence between the stored canonical bytes and
// the recomputed ones is a tamper signal and verifies false.
func (s *Sealer) Verify(c *contracts.OfferCapsule) bool {
	if c == nil {
		return false
	}
	canonical, err := canonicalize.JCS(c.Payload)
	if err != nil {
		return false
	}
	if string(canonical) != c.Canonical {
		return false
	}
	return s.signer.VerifyBytes(c.KeyFingerprint, c.Signature, canonical)
}

func expiryFor(chosen contracts.ScoredCandidate) time.Duration {
	switch chosen.Type {
	case contracts.ActionHold:
		if chosen.HoldMinutes > 0 {
			return time.Duration(chosen.HoldMinutes) * time.Minute
		}
		return defaultOfferTTL
	case contracts.ActionOfferPerk:
		return perkOfferTTL
	default:
		return defaultOfferTTL
	}
}

// explain builds the deterministic human-readable rationale bound into the
// capsule. Same decision, same string.
func explain(chosen contracts.ScoredCandidate, set *contracts.FeasibleActionSet) string {
	maxPrice := set.Constraints.MaxPrice
	floor := set.Floor.Floor

	switch chosen.Type {
	case contracts.ActionHold:
		return fmt.Sprintf("Price held at %.2f for %d minutes while inventory is reconfirmed.",
			chosen.Price, chosen.HoldMinutes)
	case contracts.ActionOfferPerk:
		return fmt.Sprintf("Added %s at %.2f, %.1f%% below the displayed price with %.2f margin above cost.",
			chosen.PerkName, chosen.Price, discountPct(chosen.Price, maxPrice), chosen.Price-floor)
	default:
		return fmt.Sprintf("Countered at %.2f, %.1f%% below the displayed price with %.2f margin above cost.",
			chosen.Price, discountPct(chosen.Price, maxPrice), chosen.Price-floor)
	}
}

func discountPct(price, maxPrice float64) float64 {
	if maxPrice <= 0 {
		return 0
	}
	return (maxPrice - price) / maxPrice * 100
}

// snapshotDigest is the per-snapshot subset bound into snapshots_hash.
type snapshotDigest struct {
	SupplierID string    `json:"supplier_id"`
	Net        float64   `json:"net"`
	Taxes      float64   `json:"taxes"`
	Fees       float64   `json:"fees"`
	Inventory  string    `json:"inventory_state"`
	SnapshotAt time.Time `json:"snapshot_at"`
}

func snapshotDigests(snaps []contracts.SupplierSnapshot) []snapshotDigest {
	out := make([]snapshotDigest, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotDigest{
			SupplierID: s.SupplierID,
			Net:        s.Net,
			Taxes:      s.Taxes,
			Fees:       s.Fees,
			Inventory:  string(s.Inventory),
			SnapshotAt: s.SnapshotAt.UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplierID < out[j].SupplierID })
	return out
}

func supplierIDs(snaps []contracts.SupplierSnapshot) []string {
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.SupplierID)
	}
	sort.Strings(ids)
	return ids
}
