// Package positionmanager implements the Position Manager daemon (§4.2):
// the adaptive control loop that reads the current snapshot/position,
// runs the deterministic decision engine, and enqueues execution_queue
// candidates for the Fill Watcher to pick up.
//
// Grounded on core/engine.go's mutex-guarded orchestrator with a
// stopCh-select main loop, generalized from the tick→strategy→risk→size
// pipeline to the snapshot→decide→enqueue pipeline of
// original_source/app/position_manager.py.
package positionmanager

import (
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// StopLossPct is the default hard stop distance from average entry, used
// when no per-symbol override is configured (§4.2.1).
var StopLossPct = decimal.NewFromFloat(2.5)

// DecisionContext bundles everything the deterministic decision engine
// needs for one cycle (§4.2.1).
type DecisionContext struct {
	Position domain.PositionState
	Snapshot domain.Snapshot

	StopLossPct      decimal.Decimal
	ReversalEnabled  bool
	AddAllowed       bool
	ReduceSuggested  bool
	ReducePct        decimal.Decimal

	MeanRevShortAllowed bool
	Mode                string
	Regime              string
}

// Decision is the deterministic decision engine's verdict (§4.2.1).
type Decision struct {
	Action domain.DecisionAction
	Reason string

	ReverseTo domain.Side // only set when Action == DecisionReverse
	ReducePct decimal.Decimal
}

// Decide implements the §4.2.1 deterministic decision engine: a strict
// priority chain — stop-loss check, then reversal, then ADD, then
// REDUCE, then HOLD fallthrough. Every branch is evaluated in this fixed
// order; the first one that applies wins (§8 invariant: deterministic
// given identical inputs).
func Decide(ctx DecisionContext) Decision {
	if ctx.Position.IsFlat() {
		return Decision{Action: domain.DecisionHold, Reason: "flat position"}
	}

	stopPct := ctx.StopLossPct
	if stopPct.IsZero() {
		stopPct = StopLossPct
	}

	if stopLossHit(ctx.Position, ctx.Snapshot.Price, stopPct) {
		return Decision{Action: domain.DecisionClose, Reason: "stop-loss hit"}
	}

	if ctx.ReversalEnabled {
		if reverseSide, ok := reversalSignal(ctx); ok {
			if reverseSide == domain.SideShort && !ctx.MeanRevShortAllowed {
				// L2 fail-closed: drop straight through to the next
				// priority rather than reversing into a blocked side.
			} else {
				return Decision{Action: domain.DecisionReverse, ReverseTo: reverseSide, Reason: "reversal signal"}
			}
		}
	}

	if ctx.AddAllowed && addSignal(ctx) {
		return Decision{Action: domain.DecisionAdd, Reason: "add-stage signal"}
	}

	if ctx.ReduceSuggested {
		pct := ctx.ReducePct
		if pct.IsZero() {
			pct = decimal.NewFromFloat(25.0)
		}
		return Decision{Action: domain.DecisionReduce, ReducePct: pct, Reason: "reduce signal"}
	}

	return Decision{Action: domain.DecisionHold, Reason: "no actionable condition"}
}

// stopLossHit reports whether price has moved against the position by
// more than stopPct percent from avg entry (§4.2.1, §3 invariant: the
// stop-loss check never depends on unrealized-PnL rounding — it compares
// price distance directly).
func stopLossHit(p domain.PositionState, price, stopPct decimal.Decimal) bool {
	if p.AvgEntryPrice.IsZero() {
		return false
	}
	moveAgainstPct := decimal.Zero
	switch p.Side {
	case domain.SideLong:
		moveAgainstPct = p.AvgEntryPrice.Sub(price).Div(p.AvgEntryPrice).Mul(decimal.NewFromInt(100))
	case domain.SideShort:
		moveAgainstPct = price.Sub(p.AvgEntryPrice).Div(p.AvgEntryPrice).Mul(decimal.NewFromInt(100))
	default:
		return false
	}
	return moveAgainstPct.GreaterThanOrEqual(stopPct)
}

// reversalSignal reports whether the current regime/mode has flipped
// hard enough to justify flattening and flipping to the opposite side
// (§4.2.1). Conservative: requires the regime string to explicitly name
// the opposite side's trend.
func reversalSignal(ctx DecisionContext) (domain.Side, bool) {
	switch {
	case ctx.Position.Side == domain.SideLong && ctx.Regime == "strong_downtrend":
		return domain.SideShort, true
	case ctx.Position.Side == domain.SideShort && ctx.Regime == "strong_uptrend":
		return domain.SideLong, true
	}
	return domain.SideFlat, false
}

// addSignal reports whether the position qualifies for another pyramid
// stage (§4.2.1, §3 invariant: never exceeds MaxStage).
func addSignal(ctx DecisionContext) bool {
	if ctx.Position.Stage >= domain.MaxStage {
		return false
	}
	if ctx.Position.TradeBudgetUsedPct.GreaterThanOrEqual(decimal.NewFromFloat(domain.MaxBudgetUsedPct)) {
		return false
	}
	switch {
	case ctx.Position.Side == domain.SideLong && ctx.Regime == "uptrend":
		return true
	case ctx.Position.Side == domain.SideShort && ctx.Regime == "downtrend":
		return true
	}
	return false
}
