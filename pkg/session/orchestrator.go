package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasfare/bargain/pkg/audit"
	"github.com/atlasfare/bargain/pkg/capsule"
	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/features"
	"github.com/atlasfare/bargain/pkg/observability"
	"github.com/atlasfare/bargain/pkg/offerability"
	"github.com/atlasfare/bargain/pkg/policy"
	"github.com/atlasfare/bargain/pkg/pricing"
	"github.com/atlasfare/bargain/pkg/scoring"
)

const (
	defaultBudget     = 250 * time.Millisecond
	defaultSessionTTL = 30 * time.Minute
	lockStripes       = 64
)

// SnapshotSource is the orchestrator's view of the snapshot provider.
type SnapshotSource interface {
	Get(ctx context.Context, productKey string) ([]contracts.SupplierSnapshot, error)
	Invalidate(ctx context.Context, productKey string)
}

// StartRequest opens a new bargaining session.
type StartRequest struct {
	ProductKey  string
	ProductType contracts.ProductType
	User        contracts.UserProfile
	PromoCode   string
}

// RoundResult is what one decision round hands back to the caller: the
// updated session, the chosen action, and the capsule summary proving it.
type RoundResult struct {
	Session *contracts.Session
	Chosen  contracts.ScoredCandidate
	Capsule contracts.CapsuleSummary
}

// AcceptResult is the terminal view of an accepted session.
type AcceptResult struct {
	Session    *contracts.Session
	FinalPrice float64
	Capsule    contracts.CapsuleSummary
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Sessions     Store
	Capsules     capsule.Store
	Sealer       *capsule.Sealer
	Policies     *policy.Store
	Snapshots    SnapshotSource
	Floors       *pricing.Resolver
	Offerability *offerability.Engine
	Scoring      *scoring.Engine
	Features     *features.Store
	Audit        audit.Sink
	Metrics      *observability.Provider
	Logger       *slog.Logger
	SessionTTL   time.Duration
}

// Orchestrator drives sessions through rounds. All state transitions for one
// session are serialized on a striped per-session lock; different sessions
// proceed concurrently.
type Orchestrator struct {
	deps  Deps
	ttl   time.Duration
	locks [lockStripes]sync.Mutex

	logger *slog.Logger
	now    func() time.Time
}

// New creates the orchestrator.
func New(deps Deps) *Orchestrator {
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Orchestrator{
		deps:   deps,
		ttl:    ttl,
		logger: deps.Logger.With("component", "orchestrator"),
		now:    time.Now,
	}
}

// SetClock overrides the orchestrator clock, for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

func (o *Orchestrator) lock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &o.locks[h.Sum32()%lockStripes]
}

// Start opens a session and runs its first round.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*RoundResult, error) {
	if req.ProductKey == "" {
		return nil, fmt.Errorf("start: product key required")
	}

	ctx, done := o.deps.Metrics.TrackRound(ctx, "start", string(req.ProductType))
	result, err := o.guarded(ctx, func(ctx context.Context) (*RoundResult, error) {
		now := o.now().UTC()
		sess := &contracts.Session{
			ID:          uuid.NewString(),
			ProductKey:  req.ProductKey,
			ProductType: req.ProductType,
			Round:       1,
			User:        o.deps.Features.User(ctx, req.User),
			PromoCode:   req.PromoCode,
			Outcome:     contracts.OutcomeOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return o.runRound(ctx, sess, "start", 0)
	})
	done(err, string(contracts.CodeFor(err)))
	if err != nil {
		return nil, err
	}

	o.deps.Metrics.SessionOpened(ctx)
	o.audit(ctx, audit.KindRound, "session_started", result.Session.ID, map[string]interface{}{
		"product_key": req.ProductKey,
		"action":      result.Chosen.Type,
		"price":       result.Chosen.Price,
	})
	return result, nil
}

// Counter processes a user counter-offer. A bid at or above the current cost
// floor is accepted on the spot; anything else runs a fresh round, subject to
// the policy round cap.
func (o *Orchestrator) Counter(ctx context.Context, sessionID string, userOffer float64) (*RoundResult, error) {
	mu := o.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("counter on %s session: %w", sess.Outcome, contracts.ErrSessionClosed)
	}

	ctx, done := o.deps.Metrics.TrackRound(ctx, "counter", string(sess.ProductType))
	result, err := o.guarded(ctx, func(ctx context.Context) (*RoundResult, error) {
		return o.counterRound(ctx, sess, userOffer)
	})
	done(err, string(contracts.CodeFor(err)))
	return result, err
}

func (o *Orchestrator) counterRound(ctx context.Context, sess *contracts.Session, userOffer float64) (*RoundResult, error) {
	pol := o.deps.Policies.ActivePolicy(ctx)

	snaps, err := o.deps.Snapshots.Get(ctx, sess.ProductKey)
	if err != nil {
		return nil, err
	}
	floor, err := o.deps.Floors.Resolve(sess.ProductKey, sess.ProductType, snaps, pol)
	if err != nil {
		return nil, err
	}

	// A bid clearing the floor is a win for both sides. Close immediately
	// without scoring.
	if userOffer >= floor.Floor && !floor.Degraded {
		return o.instantAccept(ctx, sess, userOffer, floor, snaps, pol)
	}

	if sess.Round+1 > pol.Global.MaxRounds {
		return nil, fmt.Errorf("round %d: %w", sess.Round+1, contracts.ErrRoundLimit)
	}
	sess.Round++
	return o.runRound(ctx, sess, "counter", userOffer)
}

func (o *Orchestrator) instantAccept(ctx context.Context, sess *contracts.Session, userOffer float64, floor contracts.CostFloor, snaps []contracts.SupplierSnapshot, pol *policy.Policy) (*RoundResult, error) {
	now := o.now().UTC()
	chosen := contracts.ScoredCandidate{
		Action: contracts.Action{
			Type:     contracts.ActionCounterPrice,
			Price:    userOffer,
			Currency: floor.Currency,
			Margin:   userOffer - floor.TrueCost,
		},
		TrueCost:       floor.TrueCost,
		AcceptProb:     1.0,
		Profit:         userOffer - floor.TrueCost,
		ExpectedProfit: userOffer - floor.TrueCost,
		Confidence:     1.0,
	}
	set := &contracts.FeasibleActionSet{
		Constraints: contracts.Constraints{
			MinPrice:    floor.Floor,
			MaxPrice:    userOffer,
			MinMargin:   floor.MinMargin,
			ProductType: sess.ProductType,
		},
		Floor:       floor,
		GeneratedAt: now,
	}

	sealed, err := o.seal(ctx, sess, chosen, set, snaps, pol.Version)
	if err != nil {
		return nil, err
	}

	sess.Outcome = contracts.OutcomeAccepted
	sess.FinalPrice = userOffer
	sess.LastAction = &chosen.Action
	sess.CapsuleID = sealed.Payload.CapsuleID
	sess.UpdatedAt = now
	sess.Events = append(sess.Events, contracts.SessionEvent{
		Round:     sess.Round,
		Kind:      "accept",
		UserOffer: userOffer,
		Action:    &chosen.Action,
		CapsuleID: sealed.Payload.CapsuleID,
		Note:      "bid cleared cost floor",
		At:        now,
	})
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discard round for %s: %w", sess.ID, err)
	}
	if err := o.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	o.deps.Snapshots.Invalidate(ctx, sess.ProductKey)
	o.deps.Metrics.RecordAccept(ctx, string(sess.ProductType))
	o.deps.Metrics.SessionClosed(ctx, string(contracts.OutcomeAccepted))
	o.audit(ctx, audit.KindAccept, "bid_accepted", sess.ID, map[string]interface{}{
		"price":      userOffer,
		"cost_floor": floor.Floor,
		"round":      sess.Round,
	})

	return &RoundResult{Session: sess, Chosen: chosen, Capsule: sealed.Summary()}, nil
}

// runRound executes the decision pipeline for the session's current round
// and seals the outcome. The caller holds the session lock.
func (o *Orchestrator) runRound(ctx context.Context, sess *contracts.Session, kind string, userOffer float64) (*RoundResult, error) {
	now := o.now().UTC()
	pol := o.deps.Policies.ActivePolicy(ctx)

	snaps, err := o.deps.Snapshots.Get(ctx, sess.ProductKey)
	if err != nil {
		return nil, err
	}

	set, err := o.deps.Offerability.Generate(ctx, offerability.Context{
		ProductKey:   sess.ProductKey,
		ProductType:  sess.ProductType,
		Snapshots:    snaps,
		User:         sess.User,
		PromoCode:    sess.PromoCode,
		Round:        sess.Round,
		SessionStart: sess.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	ranked := o.deps.Scoring.Score(set, scoring.Features{
		User:       sess.User,
		Product:    o.deps.Features.Product(ctx, sess.ProductKey),
		ProductTyp: sess.ProductType,
		Round:      sess.Round,
		SessionAge: now.Sub(sess.CreatedAt),
		Now:        now,
	})

	sealed, err := o.seal(ctx, sess, ranked.Best, set, snaps, pol.Version)
	if err != nil {
		return nil, err
	}

	sess.LastAction = &ranked.Best.Action
	sess.CapsuleID = sealed.Payload.CapsuleID
	sess.UpdatedAt = now
	sess.Events = append(sess.Events, contracts.SessionEvent{
		Round:     sess.Round,
		Kind:      kind,
		UserOffer: userOffer,
		Action:    &ranked.Best.Action,
		CapsuleID: sealed.Payload.CapsuleID,
		At:        now,
	})
	// The hard deadline may already have fired while the pipeline ran. The
	// caller was told the round failed, so the advanced state must not land.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discard round for %s: %w", sess.ID, err)
	}
	if err := o.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	o.logger.Info("round completed",
		"session_id", sess.ID,
		"round", sess.Round,
		"action", ranked.Best.Type,
		"price", ranked.Best.Price,
		"accept_prob", ranked.Best.AcceptProb,
		"capsule_id", sealed.Payload.CapsuleID)

	return &RoundResult{Session: sess, Chosen: ranked.Best, Capsule: sealed.Summary()}, nil
}

func (o *Orchestrator) seal(ctx context.Context, sess *contracts.Session, chosen contracts.ScoredCandidate, set *contracts.FeasibleActionSet, snaps []contracts.SupplierSnapshot, policyVersion string) (*contracts.OfferCapsule, error) {
	sealed, err := o.deps.Sealer.Seal(capsule.SealRequest{
		SessionID:     sess.ID,
		Chosen:        chosen,
		Set:           set,
		Snapshots:     snaps,
		PolicyVersion: policyVersion,
		ModelVersion:  scoring.ModelVersion,
		UserTier:      sess.User.Tier,
	})
	if err != nil {
		return nil, fmt.Errorf("seal round %d for %s: %w", sess.Round, sess.ID, err)
	}

	// Archive failure degrades audit, not availability.
	if err := o.deps.Capsules.Save(ctx, sealed); err != nil {
		o.logger.Error("capsule archive failed",
			"session_id", sess.ID,
			"capsule_id", sealed.Payload.CapsuleID,
			"error", err)
	}
	return sealed, nil
}

// Accept finalizes the session at the latest sealed offer. The offer must be
// unexpired, its signature must verify, and its price must still clear the
// current cost floor.
func (o *Orchestrator) Accept(ctx context.Context, sessionID string) (*AcceptResult, error) {
	mu := o.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("accept on %s session: %w", sess.Outcome, contracts.ErrSessionClosed)
	}
	if sess.CapsuleID == "" {
		return nil, fmt.Errorf("session %s: %w", sessionID, contracts.ErrNoValidOffer)
	}

	sealed, err := o.deps.Capsules.Latest(ctx, sessionID)
	if err != nil {
		if errors.Is(err, contracts.ErrCapsuleNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, contracts.ErrNoValidOffer)
		}
		return nil, err
	}

	now := o.now().UTC()
	if sealed.Expired(now) {
		return nil, fmt.Errorf("capsule %s: %w", sealed.Payload.CapsuleID, contracts.ErrOfferExpired)
	}
	if !o.deps.Sealer.Verify(sealed) {
		return nil, fmt.Errorf("capsule %s: %w", sealed.Payload.CapsuleID, contracts.ErrSignatureInvalid)
	}

	// Re-check against a fresh floor. Costs may have moved since sealing.
	pol := o.deps.Policies.ActivePolicy(ctx)
	snaps, err := o.deps.Snapshots.Get(ctx, sess.ProductKey)
	if err != nil {
		return nil, err
	}
	floor, err := o.deps.Floors.Resolve(sess.ProductKey, sess.ProductType, snaps, pol)
	if err != nil {
		return nil, err
	}

	price := sealed.Payload.Chosen.Price
	if price < floor.Floor {
		o.audit(ctx, audit.KindViolation, "accept_below_floor", sess.ID, map[string]interface{}{
			"price":      price,
			"cost_floor": floor.Floor,
			"capsule_id": sealed.Payload.CapsuleID,
		})
		return nil, fmt.Errorf("price %.2f below floor %.2f: %w", price, floor.Floor, contracts.ErrNeverLossViolation)
	}

	sess.Outcome = contracts.OutcomeAccepted
	sess.FinalPrice = price
	sess.UpdatedAt = now
	sess.Events = append(sess.Events, contracts.SessionEvent{
		Round:     sess.Round,
		Kind:      "accept",
		Action:    sess.LastAction,
		CapsuleID: sealed.Payload.CapsuleID,
		At:        now,
	})
	if err := o.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	o.deps.Snapshots.Invalidate(ctx, sess.ProductKey)
	o.deps.Metrics.RecordAccept(ctx, string(sess.ProductType))
	o.deps.Metrics.SessionClosed(ctx, string(contracts.OutcomeAccepted))
	o.audit(ctx, audit.KindAccept, "offer_accepted", sess.ID, map[string]interface{}{
		"price":      price,
		"cost_floor": floor.Floor,
		"capsule_id": sealed.Payload.CapsuleID,
	})

	return &AcceptResult{Session: sess, FinalPrice: price, Capsule: sealed.Summary()}, nil
}

// Abandon closes the session without a purchase.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID string) (*contracts.Session, error) {
	mu := o.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("abandon on %s session: %w", sess.Outcome, contracts.ErrSessionClosed)
	}

	now := o.now().UTC()
	sess.Outcome = contracts.OutcomeAbandoned
	sess.UpdatedAt = now
	sess.Events = append(sess.Events, contracts.SessionEvent{
		Round: sess.Round,
		Kind:  "abandon",
		At:    now,
	})
	if err := o.deps.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	o.deps.Metrics.SessionClosed(ctx, string(contracts.OutcomeAbandoned))
	o.audit(ctx, audit.KindRound, "session_abandoned", sess.ID, nil)
	return sess, nil
}

// ExpireStale closes open sessions idle past the session TTL. Returns the
// number of sessions expired. Run periodically by the daemon.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	now := o.now().UTC()
	stale, err := o.deps.Sessions.ListOpenBefore(ctx, now.Add(-o.ttl))
	if err != nil {
		return 0, fmt.Errorf("expiry sweep: %w", err)
	}

	expired := 0
	for _, sess := range stale {
		mu := o.lock(sess.ID)
		mu.Lock()
		current, err := o.deps.Sessions.Get(ctx, sess.ID)
		if err != nil || current.Terminal() {
			mu.Unlock()
			continue
		}
		current.Outcome = contracts.OutcomeExpired
		current.UpdatedAt = now
		current.Events = append(current.Events, contracts.SessionEvent{
			Round: current.Round,
			Kind:  "expire",
			Note:  "session idle past ttl",
			At:    now,
		})
		if err := o.deps.Sessions.Save(ctx, current); err != nil {
			mu.Unlock()
			return expired, fmt.Errorf("save session %s: %w", current.ID, err)
		}
		mu.Unlock()

		expired++
		o.deps.Metrics.SessionClosed(ctx, string(contracts.OutcomeExpired))
		o.audit(ctx, audit.KindRound, "session_expired", current.ID, nil)
	}
	return expired, nil
}

// Replay returns the session's full event trail and every capsule sealed for
// it, in order.
func (o *Orchestrator) Replay(ctx context.Context, sessionID string) (*contracts.Session, []*contracts.OfferCapsule, error) {
	sess, err := o.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	capsules, err := o.deps.Capsules.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, capsules, nil
}

// guarded runs fn under the hard round deadline: twice the policy response
// budget. The computation goroutine keeps running to completion, but the
// caller gets ErrRoundTimeout once the deadline passes.
func (o *Orchestrator) guarded(ctx context.Context, fn func(ctx context.Context) (*RoundResult, error)) (*RoundResult, error) {
	budget := time.Duration(o.deps.Policies.ActivePolicy(ctx).Global.ResponseBudgetMS) * time.Millisecond
	if budget <= 0 {
		budget = defaultBudget
	}
	ctx, cancel := context.WithTimeout(ctx, 2*budget)
	defer cancel()

	type outcome struct {
		res *RoundResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := fn(ctx)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("hard deadline %s: %w", 2*budget, contracts.ErrRoundTimeout)
		}
		return out.res, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("hard deadline %s: %w", 2*budget, contracts.ErrRoundTimeout)
	}
}

func (o *Orchestrator) audit(ctx context.Context, kind audit.EventKind, action, sessionID string, metadata map[string]interface{}) {
	if o.deps.Audit != nil {
		o.deps.Audit.Record(ctx, kind, action, sessionID, metadata)
	}
}
