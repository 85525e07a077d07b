package capsule

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfare/bargain/pkg/contracts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testSnapshots() []contracts.SupplierSnapshot {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return []contracts.SupplierSnapshot{
		{SupplierID: "sup-b", SupplierCode: "WIDEQ", ProductKey: "HTL-100", Net: 210, Taxes: 12, Fees: 4, Currency: "USD", Inventory: contracts.InventoryAvailable, SnapshotAt: at},
		{SupplierID: "sup-a", SupplierCode: "TIGHTCO", ProductKey: "HTL-100", Net: 180, Taxes: 15, Fees: 5, Currency: "USD", Inventory: contracts.InventoryAvailable, SnapshotAt: at},
	}
}

func testActionSet() *contracts.FeasibleActionSet {
	return &contracts.FeasibleActionSet{
		Constraints: contracts.Constraints{
			MinPrice:       210,
			MaxPrice:       248,
			MaxDiscountPct: 0.15,
			MinMargin:      10,
			AllowPerks:     true,
			ProductType:    contracts.ProductHotel,
		},
		Floor: contracts.CostFloor{
			TrueCost:   200,
			MinMargin:  10,
			Floor:      210,
			Currency:   "USD",
			SupplierID: "sup-a",
		},
		GeneratedAt: time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC),
	}
}

func counterCandidate() contracts.ScoredCandidate {
	return contracts.ScoredCandidate{
		Action: contracts.Action{
			Type:     contracts.ActionCounterPrice,
			Price:    225.50,
			Currency: "USD",
			Margin:   15.50,
		},
		TrueCost:       200,
		AcceptProb:     0.62,
		Profit:         15.50,
		ExpectedProfit: 9.61,
		Confidence:     0.8,
	}
}

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	signer, err := NewEphemeralSigner("test-key-1")
	require.NoError(t, err)
	return NewSealer(signer, nil, testLogger())
}

func TestSeal_PopulatesPayload(t *testing.T) {
	sealer := newTestSealer(t)
	now := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	sealer.SetClock(func() time.Time { return now })

	sealed, err := sealer.Seal(SealRequest{
		SessionID:     "sess-1",
		Chosen:        counterCandidate(),
		Set:           testActionSet(),
		Snapshots:     testSnapshots(),
		PolicyVersion: "1.4.0",
		ModelVersion:  "propensity_v1",
		UserTier:      contracts.TierGold,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sealed.Payload.CapsuleID)
	assert.Equal(t, "sess-1", sealed.Payload.SessionID)
	assert.Equal(t, "1.4.0", sealed.Payload.PolicyVersion)
	assert.Equal(t, "propensity_v1", sealed.Payload.ModelVersion)
	assert.Equal(t, 210.0, sealed.Payload.Floor)
	assert.Equal(t, 210.0, sealed.Payload.MinPrice)
	assert.Equal(t, 248.0, sealed.Payload.MaxPrice)
	assert.Equal(t, contracts.TierGold, sealed.Payload.UserTier)
	assert.Equal(t, now, sealed.Payload.CreatedAt)
	assert.Equal(t, now.Add(15*time.Minute), sealed.Payload.ExpiresAt)
	// Supplier ordering is stable regardless of snapshot order.
	assert.Equal(t, []string{"sup-a", "sup-b"}, sealed.Payload.SupplierIDs)
	// Default arbiter commits to the floor's supplier.
	assert.Equal(t, "sup-a", sealed.Payload.Chosen.SupplierID)
	assert.NotEmpty(t, sealed.Signature)
	assert.Len(t, sealed.KeyFingerprint, 16)
}

func TestSeal_VerifyRoundTrip(t *testing.T) {
	sealer := newTestSealer(t)

	sealed, err := sealer.Seal(SealRequest{
		SessionID: "sess-1",
		Chosen:    counterCandidate(),
		Set:       testActionSet(),
		Snapshots: testSnapshots(),
	})
	require.NoError(t, err)

	assert.True(t, sealer.Verify(sealed))
}

func TestVerify_RejectsPayloadTamper(t *testing.T) {
	sealer := newTestSealer(t)

	sealed, err := sealer.Seal(SealRequest{
		SessionID: "sess-1",
		Chosen:    counterCandidate(),
		Set:       testActionSet(),
		Snapshots: testSnapshots(),
	})
	require.NoError(t, err)

	tampered := *sealed
	tampered.Payload.Chosen.Price -= 0.01
	assert.False(t, sealer.Verify(&tampered))
}

func TestVerify_RejectsCanonicalTamper(t *testing.T) {
	sealer := newTestSealer(t)

	sealed, err := sealer.Seal(SealRequest{
		SessionID: "sess-1",
		Chosen:    counterCandidate(),
		Set:       testActionSet(),
		Snapshots: testSnapshots(),
	})
	require.NoError(t, err)

	tampered := *sealed
	b := []byte(tampered.Canonical)
	b[len(b)/2] ^= 0x01
	tampered.Canonical = string(b)
	assert.False(t, sealer.Verify(&tampered))
}

func TestVerify_RejectsNil(t *testing.T) {
	sealer := newTestSealer(t)
	assert.False(t, sealer.Verify(nil))
}

func TestSeal_ExpiryByActionType(t *testing.T) {
	sealer := newTestSealer(t)
	now := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	sealer.SetClock(func() time.Time { return now })

	hold := counterCandidate()
	hold.Type = contracts.ActionHold
	hold.Price = 248
	hold.HoldMinutes = 30

	perk := counterCandidate()
	perk.Type = contracts.ActionOfferPerk
	perk.PerkName = "free_breakfast"

	cases := []struct {
		name   string
		chosen contracts.ScoredCandidate
		want   time.Duration
	}{
		{"counter uses default window", counterCandidate(), 15 * time.Minute},
		{"hold uses its own duration", hold, 30 * time.Minute},
		{"perk gets the longer window", perk, 20 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := sealer.Seal(SealRequest{
				SessionID: "sess-1",
				Chosen:    tc.chosen,
				Set:       testActionSet(),
				Snapshots: testSnapshots(),
			})
			require.NoError(t, err)
			assert.Equal(t, now.Add(tc.want), sealed.Payload.ExpiresAt)
		})
	}
}

func TestSeal_ExplainDeterministic(t *testing.T) {
	sealer := newTestSealer(t)

	req := SealRequest{
		SessionID: "sess-1",
		Chosen:    counterCandidate(),
		Set:       testActionSet(),
		Snapshots: testSnapshots(),
	}
	first, err := sealer.Seal(req)
	require.NoError(t, err)
	second, err := sealer.Seal(req)
	require.NoError(t, err)

	assert.Equal(t, first.Payload.Explain, second.Payload.Explain)
	assert.Contains(t, first.Payload.Explain, "225.50")
}

func TestSeal_SnapshotsHashIgnoresOrder(t *testing.T) {
	sealer := newTestSealer(t)
	snaps := testSnapshots()
	reversed := []contracts.SupplierSnapshot{snaps[1], snaps[0]}

	a, err := sealer.Seal(SealRequest{SessionID: "s", Chosen: counterCandidate(), Set: testActionSet(), Snapshots: snaps})
	require.NoError(t, err)
	b, err := sealer.Seal(SealRequest{SessionID: "s", Chosen: counterCandidate(), Set: testActionSet(), Snapshots: reversed})
	require.NoError(t, err)

	assert.Equal(t, a.Payload.SnapshotsHash, b.Payload.SnapshotsHash)
}

func TestSeal_NilSet(t *testing.T) {
	sealer := newTestSealer(t)
	_, err := sealer.Seal(SealRequest{SessionID: "sess-1", Chosen: counterCandidate()})
	assert.Error(t, err)
}

type fixedArbiter struct{ id string }

func (f fixedArbiter) Choose(contracts.ScoredCandidate, contracts.CostFloor, []contracts.SupplierSnapshot) string {
	return f.id
}

func TestSeal_CustomArbiter(t *testing.T) {
	signer, err := NewEphemeralSigner("test-key-1")
	require.NoError(t, err)
	sealer := NewSealer(signer, fixedArbiter{id: "sup-b"}, testLogger())

	sealed, err := sealer.Seal(SealRequest{
		SessionID: "sess-1",
		Chosen:    counterCandidate(),
		Set:       testActionSet(),
		Snapshots: testSnapshots(),
	})
	require.NoError(t, err)
	assert.Equal(t, "sup-b", sealed.Payload.Chosen.SupplierID)
}

func TestCapsule_Expired(t *testing.T) {
	sealer := newTestSealer(t)
	now := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	sealer.SetClock(func() time.Time { return now })

	sealed, err := sealer.Seal(SealRequest{
		SessionID: "sess-1",
		Chosen:    counterCandidate(),
		Set:       testActionSet(),
		Snapshots: testSnapshots(),
	})
	require.NoError(t, err)

	assert.False(t, sealed.Expired(now.Add(14*time.Minute)))
	assert.True(t, sealed.Expired(now.Add(16*time.Minute)))
}
