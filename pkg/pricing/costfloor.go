// Package pricing computes the cost floor: the absolute minimum sellable
// price for a product, derived from supplier snapshots and the active
// policy's per-product margin. This is the only place margin is applied.
package pricing

import (
	"fmt"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/policy"
)

// Resolver derives cost floors from supplier snapshots.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve computes the cost floor for a product from its snapshots. The
// cheapest AVAILABLE snapshot is authoritative; when none is AVAILABLE the
// cheapest overall is used and the result is flagged Degraded so guardrails
// can restrict the round to HOLD. An empty snapshot list is ErrNoInventory:
// there is no safe price to quote and the round must abort.
func (r *Resolver) Resolve(productKey string, productType contracts.ProductType, snapshots []contracts.SupplierSnapshot, pol *policy.Policy) (contracts.CostFloor, error) {
	if len(snapshots) == 0 {
		return contracts.CostFloor{}, fmt.Errorf("resolve floor for %s: %w", productKey, contracts.ErrNoInventory)
	}

	best, degraded := cheapest(snapshots)
	rule := pol.RuleFor(productType)

	trueCost := best.TrueCost()
	return contracts.CostFloor{
		TrueCost:   trueCost,
		MinMargin:  rule.MinMargin,
		Floor:      trueCost + rule.MinMargin,
		Currency:   best.Currency,
		SupplierID: best.SupplierID,
		SnapshotAt: best.SnapshotAt,
		Degraded:   degraded,
	}, nil
}

// cheapest returns the cheapest AVAILABLE snapshot, or the cheapest overall
// with degraded set when none is AVAILABLE.
func cheapest(snapshots []contracts.SupplierSnapshot) (contracts.SupplierSnapshot, bool) {
	var bestAvailable *contracts.SupplierSnapshot
	var bestAny *contracts.SupplierSnapshot

	for i := range snapshots {
		s := &snapshots[i]
		if bestAny == nil || s.TrueCost() < bestAny.TrueCost() {
			bestAny = s
		}
		if s.Inventory != contracts.InventoryAvailable {
			continue
		}
		if bestAvailable == nil || s.TrueCost() < bestAvailable.TrueCost() {
			bestAvailable = s
		}
	}

	if bestAvailable != nil {
		return *bestAvailable, false
	}
	return *bestAny, true
}

// SnapshotAge returns the age of the authoritative snapshot behind a floor.
func SnapshotAge(floor contracts.CostFloor, now time.Time) time.Duration {
	return now.Sub(floor.SnapshotAt)
}
