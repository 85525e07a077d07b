package scoring

import "math"

// ModelVersion identifies the acceptance model wired into capsules for
// audit. Bump when the predictor or its feature layout changes.
const ModelVersion = "propensity_v1"

// Predictor turns a feature matrix into acceptance probabilities, one per
// row, each in [0,1]. The engine is agnostic to model internals; production
// deployments put a served model behind this interface.
type Predictor interface {
	PredictBatch(features [][]float64) ([]float64, error)
}

// conservativeProb is used for every candidate when the predictor is
// unavailable: low enough to keep expected profit from inflating, high
// enough that a best candidate still emerges.
const conservativeProb = 0.25

// LogisticModel is the deterministic rule-based fallback predictor. It
// mirrors the shape of the trained model closely enough for tests and for
// degraded operation: acceptance rises with discount depth, a little with
// tier and bargaining style, and drops for holds.
type LogisticModel struct{}

func (LogisticModel) PredictBatch(features [][]float64) ([]float64, error) {
	out := make([]float64, len(features))
	for i, f := range features {
		out[i] = sigmoid(logit(f))
	}
	return out, nil
}

func logit(f []float64) float64 {
	at := func(idx int) float64 {
		if idx < len(f) {
			return f[idx]
		}
		return 0
	}

	l := -2.0 + at(featDiscountDepth)*4.0
	l += at(featUserTier) * 0.3
	l += (at(featUserStyle) - 1) * 0.2

	switch at(featActionType) {
	case actionOrdinalPerk:
		l += 0.1
	case actionOrdinalHold:
		l -= 0.3
	}
	return l
}

func sigmoid(x float64) float64 {
	p := 1 / (1 + math.Exp(-x))
	// Keep the fallback away from certainty in either direction.
	return math.Min(0.95, math.Max(0.05, p))
}
