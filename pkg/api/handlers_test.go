package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfare/bargain/pkg/audit"
	"github.com/atlasfare/bargain/pkg/cache"
	"github.com/atlasfare/bargain/pkg/capsule"
	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/features"
	"github.com/atlasfare/bargain/pkg/observability"
	"github.com/atlasfare/bargain/pkg/offerability"
	"github.com/atlasfare/bargain/pkg/policy"
	"github.com/atlasfare/bargain/pkg/pricing"
	"github.com/atlasfare/bargain/pkg/scoring"
	"github.com/atlasfare/bargain/pkg/session"
)

const testDoc = `
version: "2.0.0"
global:
  currency_base: USD
  max_rounds: 3
  response_budget_ms: 300
  never_loss: true
price_rules:
  hotel:
    min_margin: 5.0
    max_discount_pct: 0.20
    hold_minutes: 15
    allow_perks: true
    allowed_perks: ["Late checkout"]
  flight:
    min_margin: 6.0
    max_discount_pct: 0.15
    hold_minutes: 10
    allow_perks: false
guardrails:
  abort_if_inventory_stale_minutes: 5
  abort_if_latency_ms_over: 280
`

type docSource struct {
	doc []byte
	err error
}

func (s docSource) Fetch(context.Context) ([]byte, error) { return s.doc, s.err }

type staticSnapshots struct {
	snaps []contracts.SupplierSnapshot
	err   error
}

func (s *staticSnapshots) Get(context.Context, string) ([]contracts.SupplierSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snaps, nil
}

func (s *staticSnapshots) Invalidate(context.Context, string) {}

func newTestServer(t *testing.T, policySource policy.Source) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	now := time.Now().UTC()

	snaps := &staticSnapshots{snaps: []contracts.SupplierSnapshot{{
		SupplierID:   "sup-openco",
		SupplierCode: "OPENCO",
		ProductKey:   "hotel:dxb:rixos:std",
		Net:          200,
		Currency:     "USD",
		Inventory:    contracts.InventoryAvailable,
		SnapshotAt:   now,
	}}}

	signer, err := capsule.NewEphemeralSigner("test-key")
	require.NoError(t, err)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	capsules, err := capsule.NewSQLiteStore(db)
	require.NoError(t, err)

	policies := policy.NewStore(policySource, nil, logger)
	feats := features.NewStore(cache.NewMemoryStore(), logger)
	metrics, err := observability.New(context.Background(), observability.DefaultConfig(), logger)
	require.NoError(t, err)

	orch := session.New(session.Deps{
		Sessions:     session.NewMemoryStore(),
		Capsules:     capsules,
		Sealer:       capsule.NewSealer(signer, nil, logger),
		Policies:     policies,
		Snapshots:    snaps,
		Floors:       pricing.NewResolver(),
		Offerability: offerability.NewEngine(policies, pricing.NewResolver(), nil, logger),
		Scoring:      scoring.NewEngine(nil, logger),
		Features:     feats,
		Audit:        audit.NopSink{},
		Metrics:      metrics,
		Logger:       logger,
	})

	return NewServer(orch, feats, policies, signer, logger)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.10:41000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func startSession(t *testing.T, handler http.Handler) OfferResponse {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/session/start", StartRequest{
		ProductKey:  "hotel:dxb:rixos:std",
		ProductType: contracts.ProductHotel,
		User:        contracts.UserProfile{ID: "u1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp OfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStartEndpoint(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	resp := startSession(t, handler)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, 1, resp.Round)
	assert.Equal(t, contracts.OutcomeOpen, resp.Outcome)
	assert.GreaterOrEqual(t, resp.Action.Price, 205.0)
	assert.NotEmpty(t, resp.Capsule.CapsuleID)
	assert.True(t, strings.HasSuffix(resp.Capsule.Signature, "..."))
}

func TestStartEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/session/start", StartRequest{ProductType: contracts.ProductHotel})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestCounterEndpoint(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	start := startSession(t, handler)
	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/session/counter", CounterRequest{
		SessionID: start.SessionID,
		Offer:     150,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp OfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Round)
}

func TestCounterEndpoint_UnknownSession(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/session/counter", CounterRequest{
		SessionID: "no-such-session",
		Offer:     150,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, string(contracts.CodeSessionNotFound), problem.Code)
}

func TestAcceptEndpoint(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	start := startSession(t, handler)
	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/session/accept", SessionRequest{SessionID: start.SessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AcceptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, contracts.OutcomeAccepted, resp.Outcome)
	assert.Equal(t, start.Action.Price, resp.FinalPrice)
}

func TestAbandonEndpoint(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	start := startSession(t, handler)
	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/session/abandon", SessionRequest{SessionID: start.SessionID})
	assert.Equal(t, http.StatusOK, rec.Code)

	// A closed session rejects further moves with a conflict.
	rec = doJSON(t, handler, http.MethodPost, "/bargain/v1/session/counter", CounterRequest{
		SessionID: start.SessionID,
		Offer:     150,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReplayEndpoint(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	start := startSession(t, handler)
	rec := doJSON(t, handler, http.MethodGet, "/bargain/v1/session/replay/"+start.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ReplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Session.Events, 1)
	assert.Len(t, resp.Capsules, 1)
	assert.Equal(t, start.Capsule.CapsuleID, resp.Capsules[0].CapsuleID)
}

func TestEvidenceEndpoint(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	start := startSession(t, handler)
	rec := doJSON(t, handler, http.MethodGet, "/bargain/v1/session/evidence/"+start.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Checksum-SHA256"), 64)
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestEventEndpoint(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/event", EventRequest{
		ProductKey: "hotel:dxb:rixos:std",
		Product:    &contracts.ProductFeatures{DemandScore: 0.9, CompPressure: 0.2},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	got := srv.feats.Product(context.Background(), "hotel:dxb:rixos:std")
	assert.Equal(t, 0.9, got.DemandScore)
}

func TestEventEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/event", EventRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/bargain/v1/event", EventRequest{
		Product: &contracts.ProductFeatures{DemandScore: 0.9},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.SignerOK)
	assert.Equal(t, "2.0.0", resp.PolicyVersion)
	assert.False(t, resp.PolicyFallback)
}

func TestHealthz_DegradedOnPolicyFallback(t *testing.T) {
	srv := newTestServer(t, docSource{err: context.DeadlineExceeded})
	handler := srv.Routes(nil)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.True(t, resp.PolicyFallback)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(nil)

	rec := doJSON(t, handler, http.MethodGet, "/bargain/v1/session/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	srv := newTestServer(t, docSource{doc: []byte(testDoc)})
	handler := srv.Routes(NewClientRateLimiter(1, 2))

	var limited bool
	for i := 0; i < 5; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/bargain/v1/event", EventRequest{
			User: &contracts.UserProfile{ID: "u1"},
		})
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, "5", rec.Header().Get("Retry-After"))
		}
	}
	assert.True(t, limited, "burst of 5 should trip a limiter with burst 2")

	// Health is never throttled.
	for i := 0; i < 5; i++ {
		rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
