// Package scoring ranks a feasible action set by expected profit: for each
// candidate it predicts acceptance probability, computes profit over true
// cost (perk cost included), and orders the set best-first. Pure CPU work,
// no suspension points.
package scoring

import (
	"log/slog"
	"sort"

	"github.com/atlasfare/bargain/pkg/contracts"
)

// Ranked is the scored, ordered output of one round.
type Ranked struct {
	Candidates []contracts.ScoredCandidate
	// Best is Candidates[0], kept explicit for call-site clarity.
	Best contracts.ScoredCandidate
}

// Engine scores candidates with a pluggable predictor.
type Engine struct {
	predictor Predictor
	logger    *slog.Logger
}

// NewEngine creates an Engine. A nil predictor selects the deterministic
// logistic fallback.
func NewEngine(predictor Predictor, logger *slog.Logger) *Engine {
	if predictor == nil {
		predictor = LogisticModel{}
	}
	return &Engine{
		predictor: predictor,
		logger:    logger.With("component", "scoring"),
	}
}

// Score ranks a non-empty feasible action set. Predictor failure degrades
// every candidate to a fixed conservative probability rather than failing
// the round.
func (e *Engine) Score(set *contracts.FeasibleActionSet, feats Features) Ranked {
	base := baseVector(feats)

	matrix := make([][]float64, len(set.Actions))
	for i, a := range set.Actions {
		matrix[i] = candidateVector(base, a, set)
	}

	probs, err := e.predictor.PredictBatch(matrix)
	if err != nil || len(probs) != len(set.Actions) {
		e.logger.Warn("predictor unavailable, using conservative probability", "error", err)
		probs = make([]float64, len(set.Actions))
		for i := range probs {
			probs[i] = conservativeProb
		}
	}

	candidates := make([]contracts.ScoredCandidate, len(set.Actions))
	for i, a := range set.Actions {
		trueCost := set.Floor.TrueCost + PerkCost(a.PerkName)
		profit := a.Price - trueCost
		if profit < 0 {
			profit = 0
		}
		prob := clamp01(probs[i])
		candidates[i] = contracts.ScoredCandidate{
			Action:         a,
			TrueCost:       trueCost,
			AcceptProb:     prob,
			Profit:         profit,
			ExpectedProfit: profit * prob,
			Confidence:     confidence(a, matrix[i]),
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ExpectedProfit != b.ExpectedProfit {
			return a.ExpectedProfit > b.ExpectedProfit
		}
		if a.AcceptProb != b.AcceptProb {
			return a.AcceptProb > b.AcceptProb
		}
		// Prefer protecting margin: shallower discount wins the tie.
		return a.DiscountPct < b.DiscountPct
	})

	return Ranked{Candidates: candidates, Best: candidates[0]}
}

// confidence is an advisory estimate of how reliable the prediction is.
// Telemetry and explainability only; it never gates selection.
func confidence(a contracts.Action, features []float64) float64 {
	c := 0.7

	switch a.Type {
	case contracts.ActionCounterPrice:
		c += 0.1
	case contracts.ActionOfferPerk:
		c -= 0.05
	}

	c += features[featUserTier] * 0.05

	depth := features[featDiscountDepth]
	if depth > 0.2 && depth < 0.8 {
		c += 0.1
	} else {
		c -= 0.05
	}

	return clampRange(c, 0.1, 1.0)
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
