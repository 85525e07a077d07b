package policy

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/atlasfare/bargain/pkg/cache"
	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
version: "1.4.0"
global:
  currency_base: USD
  exploration_pct: 0.08
  max_rounds: 3
  response_budget_ms: 300
  never_loss: true
price_rules:
  flight:
    min_margin: 6.0
    max_discount_pct: 0.15
    hold_minutes: 10
    allow_perks: false
  hotel:
    min_margin: 4.0
    max_discount_pct: 0.20
    hold_minutes: 15
    allow_perks: true
    allowed_perks: ["Late checkout", "Free breakfast"]
  sightseeing:
    min_margin: 3.0
    max_discount_pct: 0.25
    hold_minutes: 5
    allow_perks: true
    allowed_perks: ["Skip the line"]
supplier_overrides:
  HOTELBEDS:
    max_discount_pct: 0.10
    allow_perks: false
promo_rules:
  stacking:
    max_total_discount_pct: 0.25
  eligibility:
    loyalty_tier_boost:
      GOLD: 1.05
      PLATINUM: 1.08
guardrails:
  abort_if_inventory_stale_minutes: 5
  abort_if_latency_ms_over: 280
`

type stubSource struct {
	doc []byte
	err error

	calls int
}

func (s *stubSource) Fetch(context.Context) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.doc, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestParseValidDocument(t *testing.T) {
	p, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "1.4.0", p.Version)
	assert.Equal(t, 3, p.Global.MaxRounds)
	assert.True(t, p.Global.NeverLoss)

	hotel := p.RuleFor(contracts.ProductHotel)
	assert.Equal(t, 4.0, hotel.MinMargin)
	assert.Contains(t, hotel.AllowedPerks, "Free breakfast")

	o, ok := p.OverrideFor("HOTELBEDS")
	require.True(t, ok)
	require.NotNil(t, o.MaxDiscountPct)
	assert.Equal(t, 0.10, *o.MaxDiscountPct)

	assert.Equal(t, 1.05, p.TierBoost(contracts.TierGold))
	assert.Equal(t, 0.0, p.TierBoost(contracts.TierSilver))
}

func TestParseRejectsMissingSections(t *testing.T) {
	_, err := Parse([]byte(`version: "1.0.0"`))
	assert.Error(t, err)
}

func TestParseRejectsOutOfRangeValues(t *testing.T) {
	cases := map[string]string{
		"max_rounds too high":      `{version: "1.0.0", global: {max_rounds: 9, response_budget_ms: 300}, price_rules: {flight: {min_margin: 5, max_discount_pct: 0.1}}, guardrails: {}}`,
		"budget too low":           `{version: "1.0.0", global: {max_rounds: 3, response_budget_ms: 50}, price_rules: {flight: {min_margin: 5, max_discount_pct: 0.1}}, guardrails: {}}`,
		"negative margin":          `{version: "1.0.0", global: {max_rounds: 3, response_budget_ms: 300}, price_rules: {flight: {min_margin: -1, max_discount_pct: 0.1}}, guardrails: {}}`,
		"discount above one":       `{version: "1.0.0", global: {max_rounds: 3, response_budget_ms: 300}, price_rules: {flight: {min_margin: 5, max_discount_pct: 1.5}}, guardrails: {}}`,
		"negative override margin": `{version: "1.0.0", global: {max_rounds: 3, response_budget_ms: 300}, price_rules: {flight: {min_margin: 5, max_discount_pct: 0.1}}, supplier_overrides: {X: {min_margin: -2}}, guardrails: {}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestRuleForUnknownTypeFallsBackToFlight(t *testing.T) {
	p, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, p.PriceRules[contracts.ProductFlight], p.RuleFor("cruise"))
}

func TestActivePolicyFallsBackWhenSourceUnreachable(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}
	s := NewStore(src, nil, testLogger())

	p := s.ActivePolicy(context.Background())
	require.NotNil(t, p)
	assert.True(t, p.Fallback)
	assert.True(t, p.Global.NeverLoss)
	assert.Equal(t, 2, p.Global.MaxRounds)
	assert.Empty(t, p.RuleFor(contracts.ProductHotel).AllowedPerks)
}

func TestActivePolicyFallsBackOnInvalidDocument(t *testing.T) {
	src := &stubSource{doc: []byte(`version: "1.0.0"`)}
	s := NewStore(src, nil, testLogger())

	p := s.ActivePolicy(context.Background())
	assert.True(t, p.Fallback)
}

func TestActivePolicyTrustWindow(t *testing.T) {
	src := &stubSource{doc: []byte(sampleDoc)}
	now := time.Now()
	s := NewStore(src, nil, testLogger(),
		WithTrustWindow(60*time.Second),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	s.ActivePolicy(ctx)
	s.ActivePolicy(ctx)
	assert.Equal(t, 1, src.calls, "local copy trusted within the window")

	now = now.Add(61 * time.Second)
	s.ActivePolicy(ctx)
	assert.Equal(t, 2, src.calls, "expired trust window triggers a re-check")
}

func TestActivePolicyKeepsPreviousCopyOnRefreshFailure(t *testing.T) {
	src := &stubSource{doc: []byte(sampleDoc)}
	now := time.Now()
	s := NewStore(src, nil, testLogger(),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	first := s.ActivePolicy(ctx)
	require.Equal(t, "1.4.0", first.Version)

	src.err = errors.New("source down")
	now = now.Add(2 * time.Minute)
	second := s.ActivePolicy(ctx)
	assert.Equal(t, "1.4.0", second.Version)
	assert.False(t, second.Fallback)
}

func TestStoreUsesDistributedTier(t *testing.T) {
	distributed := cache.NewMemoryStore()
	require.NoError(t, distributed.Set(context.Background(), cacheKey, []byte(sampleDoc), 0))

	src := &stubSource{err: errors.New("must not be called")}
	s := NewStore(src, distributed, testLogger())

	p := s.ActivePolicy(context.Background())
	assert.Equal(t, "1.4.0", p.Version)
	assert.Equal(t, 0, src.calls)
}

func TestStoreWritesDistributedTierOnSourceLoad(t *testing.T) {
	distributed := cache.NewMemoryStore()
	src := &stubSource{doc: []byte(sampleDoc)}
	s := NewStore(src, distributed, testLogger())

	s.ActivePolicy(context.Background())

	raw, err := distributed.Get(context.Background(), cacheKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(sampleDoc), raw)
}

func TestAdoptIgnoresOlderVersion(t *testing.T) {
	src := &stubSource{doc: []byte(sampleDoc)}
	s := NewStore(src, nil, testLogger())
	s.ActivePolicy(context.Background())

	older, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	older.Version = "1.3.0"

	got := s.adopt(older)
	assert.Equal(t, "1.4.0", got.Version)
}

func TestRefreshBypassesDistributedTier(t *testing.T) {
	distributed := cache.NewMemoryStore()
	require.NoError(t, distributed.Set(context.Background(), cacheKey, []byte(sampleDoc), 0))

	src := &stubSource{doc: []byte(sampleDoc)}
	s := NewStore(src, distributed, testLogger())

	_, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestPromoEligibility(t *testing.T) {
	doc := sampleDoc + `
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.True(t, p.PromoEligible(contracts.TierSilver, "desktop", 1),
		"no expression admits everyone")

	withExpr := []byte(`
version: "1.5.0"
global: {max_rounds: 3, response_budget_ms: 300, never_loss: true}
price_rules:
  flight: {min_margin: 5.0, max_discount_pct: 0.1}
promo_rules:
  stacking: {max_total_discount_pct: 0.2}
  eligibility:
    expression: 'tier == "GOLD" || device == "mobile"'
guardrails: {}
`)
	p, err = Parse(withExpr)
	require.NoError(t, err)
	assert.True(t, p.PromoEligible(contracts.TierGold, "desktop", 1))
	assert.True(t, p.PromoEligible(contracts.TierSilver, "mobile", 2))
	assert.False(t, p.PromoEligible(contracts.TierSilver, "desktop", 1))
}

func TestBrokenEligibilityExpressionAdmitsNobody(t *testing.T) {
	broken := []byte(`
version: "1.5.1"
global: {max_rounds: 3, response_budget_ms: 300}
price_rules:
  flight: {min_margin: 5.0, max_discount_pct: 0.1}
promo_rules:
  eligibility:
    expression: 'tier =='
guardrails: {}
`)
	p, err := Parse(broken)
	require.NoError(t, err)
	assert.False(t, p.PromoEligible(contracts.TierGold, "mobile", 1))
}
