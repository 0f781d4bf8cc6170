package positionmanager

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/events"
)

// BuildEventDecision maps a §4.6 event-decision DecisionOutput to
// concrete execution_queue row(s). RISK_OFF_REDUCE and REVERSE reuse the
// same reduceRow/closeRowTyped/openRow helpers the deterministic engine's
// Build uses, so the minQty reduce-upgrade rule and the REVERSE pair's
// priority/pairing logic can never drift between the two decision paths.
func BuildEventDecision(symbol string, out events.DecisionOutput, pos domain.PositionState, minQty decimal.Decimal, source string, now time.Time) BuildResult {
	switch out.Action {
	case domain.EDAHold:
		return BuildResult{Dropped: true, Reason: out.Reason}

	case domain.EDAFreezeNewEntry:
		// Entry lock only (§4.6): the caller arms the freeze window, there
		// is nothing to enqueue.
		return BuildResult{Dropped: true, Reason: out.Reason}

	case domain.EDARiskOffReduce:
		pct := out.ReduceRatio.Mul(decimal.NewFromInt(100))
		return BuildResult{Rows: []domain.ExecutionQueueRow{
			reduceRow(symbol, pos, pct, minQty, source, out.Reason, now),
		}}

	case domain.EDAHardExit:
		return BuildResult{Rows: []domain.ExecutionQueueRow{
			closeRowTyped(symbol, pos, domain.ActionFullClose, source, out.Reason, now),
		}}

	case domain.EDAReverse:
		return BuildResult{Rows: []domain.ExecutionQueueRow{
			closeRowTyped(symbol, pos, domain.ActionReverseClose, source, out.Reason, now),
			openRow(symbol, pos.Side.Opposite(), pos, source, out.Reason, now),
		}}

	case domain.EDAHedge:
		qty := pos.TotalQty.Mul(out.HedgeSizeRatio)
		return BuildResult{Rows: []domain.ExecutionQueueRow{{
			Ts: now, Symbol: symbol, ActionType: domain.ActionAdd,
			Direction: sideToDirection(pos.Side.Opposite()), TargetQty: &qty,
			Source: source, Reason: out.Reason, Priority: priorityAdd,
		}}}

	default:
		return BuildResult{Dropped: true, Reason: "unrecognized event-decision action"}
	}
}
