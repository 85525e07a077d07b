package features

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfare/bargain/pkg/cache"
	"github.com/atlasfare/bargain/pkg/contracts"
)

func newTestStore() (*Store, *cache.MemoryStore) {
	mem := cache.NewMemoryStore()
	return NewStore(mem, slog.New(slog.DiscardHandler)), mem
}

func TestUser_MissingBlobReturnsBase(t *testing.T) {
	s, _ := newTestStore()

	base := contracts.UserProfile{ID: "u-1", DeviceType: "mobile"}
	got := s.User(context.Background(), base)
	assert.Equal(t, base, got)
}

func TestUser_AnonymousSkipsLookup(t *testing.T) {
	s, _ := newTestStore()

	got := s.User(context.Background(), contracts.UserProfile{})
	assert.Equal(t, contracts.UserProfile{}, got)
}

func TestUser_MergePrefersRequestValues(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, contracts.UserProfile{
		ID:         "u-1",
		Tier:       contracts.TierGold,
		Style:      "persistent",
		DeviceType: "desktop",
	}))

	got := s.User(ctx, contracts.UserProfile{ID: "u-1", DeviceType: "mobile"})
	assert.Equal(t, contracts.TierGold, got.Tier)
	assert.Equal(t, "persistent", got.Style)
	// The request's own value wins over the stored blob.
	assert.Equal(t, "mobile", got.DeviceType)
}

func TestUser_CorruptBlobReturnsBase(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, userKeyPrefix+"u-1", []byte("{broken"), time.Minute))

	base := contracts.UserProfile{ID: "u-1"}
	assert.Equal(t, base, s.User(ctx, base))
}

func TestProduct_MissingBlobDefaults(t *testing.T) {
	s, _ := newTestStore()

	got := s.Product(context.Background(), "HTL-100")
	assert.Equal(t, contracts.DefaultProductFeatures(), got)
}

func TestProduct_RoundTrip(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	want := contracts.ProductFeatures{DemandScore: 0.8, CompPressure: 0.3}
	require.NoError(t, s.PutProduct(ctx, "HTL-100", want))
	assert.Equal(t, want, s.Product(ctx, "HTL-100"))
}

func TestProduct_OutOfRangeValuesClampToNeutral(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.PutProduct(ctx, "HTL-100", contracts.ProductFeatures{DemandScore: 3.5, CompPressure: -1}))

	got := s.Product(ctx, "HTL-100")
	assert.Equal(t, 0.5, got.DemandScore)
	assert.Equal(t, 0.5, got.CompPressure)
}

func TestProduct_CorruptBlobDefaults(t *testing.T) {
	s, mem := newTestStore()
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, productKeyPrefix+"HTL-100", []byte("not json"), time.Minute))
	assert.Equal(t, contracts.DefaultProductFeatures(), s.Product(ctx, "HTL-100"))
}
