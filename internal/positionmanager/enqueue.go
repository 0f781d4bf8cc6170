package positionmanager

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// DedupWindow is the minimum spacing between two PENDING rows for the
// same (symbol, action_type) pair (§4.2.2 invariant #1).
var DedupWindow = 10 * time.Second

// closeCompleteTolerance mirrors domain.ZeroQty: a REDUCE whose remaining
// qty after the cut would be smaller than this is upgraded to a full
// close rather than leaving dust on the book (§4.2.2, §8).
var closeCompleteTolerance = domain.ZeroQty

// execution_queue priority constants (§4.2.1 priority table): lower value
// dequeues first. CLOSE and both legs of a REVERSE share the highest
// urgency; emergency variants always route through one of these.
const (
	priorityClose   = 2
	priorityReverse = 2
	priorityReduce  = 3
	priorityAdd     = 5
)

// DuplicateChecker is the subset of storage.Store enqueue needs for the
// dedup guard.
type DuplicateChecker interface {
	HasDuplicatePending(symbol string, actionType domain.ActionType, since time.Time) (bool, error)
}

// BuildResult is one or more execution_queue candidates derived from a
// single Decision (§4.2.2: a REVERSE decomposes into two rows).
type BuildResult struct {
	Rows   []domain.ExecutionQueueRow
	Reason string
	Dropped bool // true if every candidate was suppressed by a safety check
}

// Build turns a Decision into concrete execution_queue row(s), applying
// the §4.2.2 safety pre-checks, REVERSE pair decomposition, and the
// reduce-to-FULL_CLOSE upgrade. minQty is the symbol's venue minimum
// order size (domain.MarketInfo.MinQty); pass decimal.Zero when it could
// not be loaded, which simply disables the upgrade check for that cycle.
// The caller is responsible for actually persisting the rows via a
// DuplicateChecker-backed dedup check first.
func Build(symbol string, decision Decision, pos domain.PositionState, minQty decimal.Decimal, source string, now time.Time) BuildResult {
	switch decision.Action {
	case domain.DecisionHold:
		return BuildResult{Dropped: true, Reason: decision.Reason}

	case domain.DecisionClose:
		return BuildResult{Rows: []domain.ExecutionQueueRow{
			closeRow(symbol, pos, source, decision.Reason, now),
		}}

	case domain.DecisionAdd:
		qty := nextStageQty(pos)
		return BuildResult{Rows: []domain.ExecutionQueueRow{{
			Ts: now, Symbol: symbol, ActionType: domain.ActionAdd,
			Direction: sideToDirection(pos.Side), TargetQty: &qty,
			Source: source, Reason: decision.Reason, Priority: priorityAdd,
		}}}

	case domain.DecisionReduce:
		return BuildResult{Rows: []domain.ExecutionQueueRow{
			reduceRow(symbol, pos, decision.ReducePct, minQty, source, decision.Reason, now),
		}}

	case domain.DecisionReverse:
		return BuildResult{Rows: []domain.ExecutionQueueRow{
			closeRowTyped(symbol, pos, domain.ActionReverseClose, source, decision.Reason, now),
			openRow(symbol, decision.ReverseTo, pos, source, decision.Reason, now),
		}}

	default:
		return BuildResult{Dropped: true, Reason: "unrecognized decision action"}
	}
}

// DedupAndEnqueue applies the §4.2.2 invariant #1 dedup guard per row,
// inserting only rows with no existing PENDING duplicate within
// DedupWindow. A REVERSE_OPEN row is paired with the REVERSE_CLOSE row
// that precedes it in the same call: the CLOSE is inserted first, its
// returned id is captured, and the OPEN's DependsOn is set to that id
// before it is itself enqueued (§8 invariant #4). If the CLOSE was
// suppressed or failed, the paired OPEN is suppressed too rather than
// left pointing at nothing. Returns the rows actually enqueued.
func DedupAndEnqueue(checker DuplicateChecker, enqueue func(domain.ExecutionQueueRow) (int64, error), rows []domain.ExecutionQueueRow, now time.Time) ([]int64, error) {
	var ids []int64
	var lastReverseCloseID int64

	for _, row := range rows {
		if row.ActionType == domain.ActionReverseOpen {
			if lastReverseCloseID == 0 {
				log.Warn().Str("symbol", row.Symbol).
					Msg("enqueue suppressed: reverse open has no paired close in this batch")
				continue
			}
			dependsOn := lastReverseCloseID
			row.DependsOn = &dependsOn
		}

		dup, err := checker.HasDuplicatePending(row.Symbol, row.ActionType, now.Add(-DedupWindow))
		if err != nil {
			return ids, fmt.Errorf("dedup check %s/%s: %w", row.Symbol, row.ActionType, err)
		}
		if dup {
			log.Info().Str("symbol", row.Symbol).Str("action_type", string(row.ActionType)).
				Msg("enqueue suppressed: duplicate pending row within dedup window")
			continue
		}
		id, err := enqueue(row)
		if err != nil {
			return ids, fmt.Errorf("enqueue %s/%s: %w", row.Symbol, row.ActionType, err)
		}
		ids = append(ids, id)
		if row.ActionType == domain.ActionReverseClose {
			lastReverseCloseID = id
		}
	}
	return ids, nil
}

func sideToDirection(s domain.Side) domain.Direction {
	if s == domain.SideShort {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

func nextStageQty(pos domain.PositionState) decimal.Decimal {
	if pos.TotalQty.IsZero() {
		return decimal.Zero
	}
	// Each ADD stage targets roughly the same quantity as the position's
	// average per-stage size so far.
	stages := decimal.NewFromInt(int64(pos.Stage))
	if stages.IsZero() {
		stages = decimal.NewFromInt(1)
	}
	return pos.TotalQty.Div(stages)
}

// reduceRow builds a REDUCE row, upgrading to FULL_CLOSE when either:
//   - the remaining quantity after the cut would fall within
//     closeCompleteTolerance of zero (a 100%-style reduce is really a
//     close), or
//   - the cut quantity itself (the amount being removed, not what's left
//     behind) would fall below minQty, since the venue would reject a
//     partial order that small (§4.2.2, §8 "reduce-upgrade" scenario).
//
// The second case is tagged with a reduce_upgraded_to_close meta flag so
// downstream consumers can tell a forced close from a requested one.
func reduceRow(symbol string, pos domain.PositionState, reducePct, minQty decimal.Decimal, source, reason string, now time.Time) domain.ExecutionQueueRow {
	cut := pos.TotalQty.Mul(reducePct).Div(decimal.NewFromInt(100))
	remaining := pos.TotalQty.Sub(cut)

	if remaining.Abs().LessThanOrEqual(closeCompleteTolerance) {
		return closeRowTyped(symbol, pos, domain.ActionFullClose, source, reason+" (upgraded: full reduction)", now)
	}

	if minQty.IsPositive() && cut.LessThan(minQty) && pos.TotalQty.GreaterThanOrEqual(minQty) {
		row := closeRowTyped(symbol, pos, domain.ActionFullClose, source, reason+" (upgraded: reduce cut below minQty)", now)
		row.Meta = map[string]any{"reduce_upgraded_to_close": true}
		return row
	}

	pct := reducePct
	return domain.ExecutionQueueRow{
		Ts: now, Symbol: symbol, ActionType: domain.ActionReduce,
		Direction: sideToDirection(pos.Side), ReducePct: &pct,
		Source: source, Reason: reason, Priority: priorityReduce,
	}
}

func closeRow(symbol string, pos domain.PositionState, source, reason string, now time.Time) domain.ExecutionQueueRow {
	return closeRowTyped(symbol, pos, domain.ActionFullClose, source, reason, now)
}

func closeRowTyped(symbol string, pos domain.PositionState, action domain.ActionType, source, reason string, now time.Time) domain.ExecutionQueueRow {
	qty := pos.TotalQty
	priority := priorityClose
	if action == domain.ActionReverseClose {
		priority = priorityReverse
	}
	return domain.ExecutionQueueRow{
		Ts: now, Symbol: symbol, ActionType: action,
		Direction: sideToDirection(pos.Side), TargetQty: &qty,
		Source: source, Reason: reason, Priority: priority,
	}
}

func openRow(symbol string, side domain.Side, pos domain.PositionState, source, reason string, now time.Time) domain.ExecutionQueueRow {
	qty := pos.TotalQty
	return domain.ExecutionQueueRow{
		Ts: now, Symbol: symbol, ActionType: domain.ActionReverseOpen,
		Direction: sideToDirection(side), TargetQty: &qty,
		Source: source, Reason: reason, Priority: priorityReverse,
	}
}
