package pricing

import (
	"testing"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(id string, net, taxes, fees float64, state contracts.InventoryState) contracts.SupplierSnapshot {
	return contracts.SupplierSnapshot{
		SupplierID: id,
		Net:        net,
		Taxes:      taxes,
		Fees:       fees,
		Currency:   "USD",
		Inventory:  state,
		SnapshotAt: time.Now(),
	}
}

func TestResolvePicksCheapestAvailable(t *testing.T) {
	r := NewResolver()
	pol := policy.FallbackPolicy()

	snapshots := []contracts.SupplierSnapshot{
		snap("s1", 90, 5, 2, contracts.InventorySold), // cheapest overall but SOLD
		snap("s2", 100, 10, 3, contracts.InventoryAvailable),
		snap("s3", 95, 8, 4, contracts.InventoryAvailable), // cheapest AVAILABLE
	}

	floor, err := r.Resolve("pk", contracts.ProductHotel, snapshots, pol)
	require.NoError(t, err)

	assert.Equal(t, "s3", floor.SupplierID)
	assert.Equal(t, 107.0, floor.TrueCost)
	assert.Equal(t, pol.RuleFor(contracts.ProductHotel).MinMargin, floor.MinMargin)
	assert.Equal(t, floor.TrueCost+floor.MinMargin, floor.Floor)
	assert.False(t, floor.Degraded)
}

func TestResolveDegradedWhenNoneAvailable(t *testing.T) {
	r := NewResolver()
	pol := policy.FallbackPolicy()

	snapshots := []contracts.SupplierSnapshot{
		snap("s1", 120, 0, 0, contracts.InventoryStale),
		snap("s2", 100, 0, 0, contracts.InventorySold),
	}

	floor, err := r.Resolve("pk", contracts.ProductFlight, snapshots, pol)
	require.NoError(t, err)

	assert.Equal(t, "s2", floor.SupplierID)
	assert.True(t, floor.Degraded)
}

func TestResolveNoSnapshotsIsNoInventory(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve("pk", contracts.ProductFlight, nil, policy.FallbackPolicy())
	assert.ErrorIs(t, err, contracts.ErrNoInventory)
}

func TestResolveMarginComesFromProductType(t *testing.T) {
	r := NewResolver()
	pol := policy.FallbackPolicy()
	snapshots := []contracts.SupplierSnapshot{snap("s1", 100, 0, 0, contracts.InventoryAvailable)}

	flight, err := r.Resolve("pk", contracts.ProductFlight, snapshots, pol)
	require.NoError(t, err)
	sight, err := r.Resolve("pk", contracts.ProductSightseeing, snapshots, pol)
	require.NoError(t, err)

	assert.Equal(t, pol.RuleFor(contracts.ProductFlight).MinMargin, flight.Floor-flight.TrueCost)
	assert.Equal(t, pol.RuleFor(contracts.ProductSightseeing).MinMargin, sight.Floor-sight.TrueCost)
	assert.NotEqual(t, flight.Floor, sight.Floor)
}

func TestSnapshotAge(t *testing.T) {
	now := time.Now()
	floor := contracts.CostFloor{SnapshotAt: now.Add(-10 * time.Minute)}
	assert.Equal(t, 10*time.Minute, SnapshotAge(floor, now))
}
