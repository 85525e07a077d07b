package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/atlasfare/bargain/pkg/audit"
	"github.com/atlasfare/bargain/pkg/capsule"
	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/features"
	"github.com/atlasfare/bargain/pkg/policy"
	"github.com/atlasfare/bargain/pkg/session"
)

const maxBodyBytes = 1 << 20 // 1MB

// Server exposes the bargaining core over HTTP.
type Server struct {
	orch     *session.Orchestrator
	feats    *features.Store
	policies *policy.Store
	signer   *capsule.Signer
	logger   *slog.Logger
	started  time.Time
}

// NewServer wires the HTTP surface.
func NewServer(orch *session.Orchestrator, feats *features.Store, policies *policy.Store, signer *capsule.Signer, logger *slog.Logger) *Server {
	return &Server{
		orch:     orch,
		feats:    feats,
		policies: policies,
		signer:   signer,
		logger:   logger.With("component", "api"),
		started:  time.Now(),
	}
}

// Routes builds the service handler. Session routes sit behind the rate
// limiter; health stays outside so probes are never throttled.
func (s *Server) Routes(limiter *ClientRateLimiter) http.Handler {
	bargain := http.NewServeMux()
	bargain.HandleFunc("POST /bargain/v1/session/start", s.handleStart)
	bargain.HandleFunc("POST /bargain/v1/session/counter", s.handleCounter)
	bargain.HandleFunc("POST /bargain/v1/session/accept", s.handleAccept)
	bargain.HandleFunc("POST /bargain/v1/session/abandon", s.handleAbandon)
	bargain.HandleFunc("GET /bargain/v1/session/replay/{id}", s.handleReplay)
	bargain.HandleFunc("GET /bargain/v1/session/evidence/{id}", s.handleEvidence)
	bargain.HandleFunc("POST /bargain/v1/event", s.handleEvent)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealthz)
	if limiter != nil {
		root.Handle("/bargain/", limiter.Middleware(bargain))
	} else {
		root.Handle("/bargain/", bargain)
	}
	return root
}

// StartRequest opens a session for a product.
type StartRequest struct {
	ProductKey  string                `json:"product_key"`
	ProductType contracts.ProductType `json:"product_type"`
	User        contracts.UserProfile `json:"user"`
	PromoCode   string                `json:"promo_code,omitempty"`
}

// CounterRequest carries a user counter-offer.
type CounterRequest struct {
	SessionID string  `json:"session_id"`
	Offer     float64 `json:"offer"`
}

// SessionRequest addresses an existing session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// OfferResponse is the caller-facing view of one round's decision.
type OfferResponse struct {
	SessionID string                   `json:"session_id"`
	Round     int                      `json:"round"`
	Outcome   contracts.SessionOutcome `json:"outcome"`
	Action    contracts.Action         `json:"action"`
	Capsule   contracts.CapsuleSummary `json:"capsule"`
}

// AcceptResponse is the terminal view of an accepted session.
type AcceptResponse struct {
	SessionID  string                   `json:"session_id"`
	Outcome    contracts.SessionOutcome `json:"outcome"`
	FinalPrice float64                  `json:"final_price"`
	Capsule    contracts.CapsuleSummary `json:"capsule"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProductKey == "" || req.ProductType == "" {
		WriteBadRequest(w, "Missing required fields: product_key, product_type")
		return
	}

	result, err := s.orch.Start(r.Context(), session.StartRequest{
		ProductKey:  req.ProductKey,
		ProductType: req.ProductType,
		User:        req.User,
		PromoCode:   req.PromoCode,
	})
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, roundToResponse(result))
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	var req CounterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		WriteBadRequest(w, "Missing required field: session_id")
		return
	}
	if req.Offer <= 0 {
		WriteBadRequest(w, "Field offer must be a positive price")
		return
	}

	result, err := s.orch.Counter(r.Context(), req.SessionID, req.Offer)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roundToResponse(result))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		WriteBadRequest(w, "Missing required field: session_id")
		return
	}

	result, err := s.orch.Accept(r.Context(), req.SessionID)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AcceptResponse{
		SessionID:  result.Session.ID,
		Outcome:    result.Session.Outcome,
		FinalPrice: result.FinalPrice,
		Capsule:    result.Capsule,
	})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		WriteBadRequest(w, "Missing required field: session_id")
		return
	}

	sess, err := s.orch.Abandon(r.Context(), req.SessionID)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"outcome":    sess.Outcome,
	})
}

// ReplayResponse is the audit view of one session: the full event trail and
// the summary of every capsule sealed for it.
type ReplayResponse struct {
	Session  *contracts.Session         `json:"session"`
	Capsules []contracts.CapsuleSummary `json:"capsules"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteBadRequest(w, "Missing session id")
		return
	}

	sess, capsules, err := s.orch.Replay(r.Context(), id)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}

	summaries := make([]contracts.CapsuleSummary, 0, len(capsules))
	for _, c := range capsules {
		summaries = append(summaries, c.Summary())
	}
	writeJSON(w, http.StatusOK, ReplayResponse{Session: sess, Capsules: summaries})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteBadRequest(w, "Missing session id")
		return
	}

	sess, capsules, err := s.orch.Replay(r.Context(), id)
	if err != nil {
		WritePipelineError(w, r, err)
		return
	}

	pack, checksum, err := audit.GeneratePack(sess, capsules)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "evidence-"+id+".zip"))
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

// EventRequest ingests a behavioral micro-event that updates feature blobs.
type EventRequest struct {
	User       *contracts.UserProfile     `json:"user,omitempty"`
	ProductKey string                     `json:"product_key,omitempty"`
	Product    *contracts.ProductFeatures `json:"product,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.User == nil && req.Product == nil {
		WriteBadRequest(w, "Event must carry a user or a product update")
		return
	}
	if req.Product != nil && req.ProductKey == "" {
		WriteBadRequest(w, "Product update requires product_key")
		return
	}

	if req.User != nil && req.User.ID != "" {
		if err := s.feats.PutUser(r.Context(), *req.User); err != nil {
			WriteInternal(w, err)
			return
		}
	}
	if req.Product != nil {
		if err := s.feats.PutProduct(r.Context(), req.ProductKey, *req.Product); err != nil {
			WriteInternal(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// HealthResponse reports the service's ability to make safe decisions: the
// signer must round-trip and the policy tier must be reachable or the
// fallback active.
type HealthResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	PolicyVersion    string  `json:"policy_version"`
	PolicyFallback   bool    `json:"policy_fallback"`
	PolicyCacheAgeMS int64   `json:"policy_cache_age_ms"`
	SignerOK         bool    `json:"signer_ok"`
	KeyFingerprint   string  `json:"key_fingerprint"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	probe := []byte("healthz probe")
	sig, err := s.signer.Sign(probe)
	signerOK := err == nil && s.signer.VerifyBytes(s.signer.Fingerprint(), sig, probe)

	pol := s.policies.ActivePolicy(r.Context())

	resp := HealthResponse{
		Status:           "ok",
		UptimeSeconds:    time.Since(s.started).Seconds(),
		PolicyVersion:    pol.Version,
		PolicyFallback:   pol.Fallback,
		PolicyCacheAgeMS: s.policies.CacheAge().Milliseconds(),
		SignerOK:         signerOK,
		KeyFingerprint:   s.signer.Fingerprint(),
	}

	status := http.StatusOK
	if !signerOK {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	} else if pol.Fallback {
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func roundToResponse(result *session.RoundResult) OfferResponse {
	return OfferResponse{
		SessionID: result.Session.ID,
		Round:     result.Session.Round,
		Outcome:   result.Session.Outcome,
		Action:    result.Chosen.Action,
		Capsule:   result.Capsule,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
