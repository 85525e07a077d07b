package offerability

import (
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
	"github.com/atlasfare/bargain/pkg/policy"
)

// fastPathCandidates is how many candidates survive the latency guardrail.
const fastPathCandidates = 3

// applyGuardrails runs the safety filters in order. Each may shrink the
// action list, never grow it. HOLD is generated at the floor price and
// passes every price filter, so the result is never empty.
func applyGuardrails(set *contracts.FeasibleActionSet, pol *policy.Policy, round int, inventoryAge, elapsed time.Duration) *contracts.FeasibleActionSet {
	if pol.Global.NeverLoss {
		set.Actions = filter(set.Actions, func(a contracts.Action) bool {
			return a.Price >= set.Floor.Floor
		})
	}

	if round >= pol.Global.MaxRounds {
		// Final allowed round: no further escalation, only hold or the
		// minimum-price counter.
		set.Actions = filter(set.Actions, func(a contracts.Action) bool {
			return a.Type == contracts.ActionHold || a.Price == set.Constraints.MinPrice
		})
	}

	staleLimit := time.Duration(pol.Guardrails.AbortIfInventoryStaleMinutes) * time.Minute
	if set.Floor.Degraded || (staleLimit > 0 && inventoryAge > staleLimit) {
		set.Actions = filter(set.Actions, func(a contracts.Action) bool {
			return a.Type == contracts.ActionHold
		})
	}

	latencyLimit := time.Duration(pol.Guardrails.AbortIfLatencyMSOver) * time.Millisecond
	if latencyLimit > 0 && elapsed > latencyLimit && len(set.Actions) > fastPathCandidates {
		set.Actions = set.Actions[:fastPathCandidates]
	}

	return set
}

func filter(actions []contracts.Action, keep func(contracts.Action) bool) []contracts.Action {
	out := actions[:0]
	for _, a := range actions {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}
