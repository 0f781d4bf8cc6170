package fillwatcher

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// defaultEntrySlicePct/defaultAddSlicePct are the trade_budget_used_pct
// slice sizes an Open/Add fill consumes (§4.3). The execution_log row
// carries no signal-requested slice size, so these are used as the
// pragmatic default rather than plumbing a new column through for it.
const (
	defaultEntrySlicePct = 10.0
	defaultAddSlicePct   = 10.0
)

// positionMutator is the subset of Store ApplyFill needs, kept narrow so
// it can be exercised without a full Store in tests.
type positionMutator interface {
	GetPositionState(symbol string) (domain.PositionState, error)
	SavePositionState(p domain.PositionState) error
}

// ApplyFill folds a filled execution_log row back into position_state,
// dispatching on order_type the way the original per-order-type handler
// table does (§4.3): Entry/Open grows a flat position, Add grows an
// existing one and advances the stage counter, Reduce/Close/FullClose
// shrink or flatten it, and the Reverse variants are handled by the two
// legs (REVERSE_CLOSE then REVERSE_OPEN) arriving as ordinary Close/Open
// fills against the same symbol. Returns the realized PnL for
// risk-reducing fills (zero for Open/Add, which realize nothing).
func ApplyFill(store positionMutator, row domain.ExecutionLogRow, now time.Time) decimal.Decimal {
	pos, err := store.GetPositionState(row.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("apply fill: failed to load position state")
		return decimal.Zero
	}

	var realizedPnL decimal.Decimal

	switch row.OrderType {
	case string(domain.ActionOpen), string(domain.ActionReverseOpen):
		applyOpen(&pos, row, now)
	case string(domain.ActionAdd):
		applyAdd(&pos, row, now)
	case string(domain.ActionReduce):
		realizedPnL = applyReduce(&pos, row, now)
	case string(domain.ActionClose), string(domain.ActionFullClose), string(domain.ActionReverseClose):
		realizedPnL = applyClose(&pos, row, now)
	default:
		log.Warn().Str("order_type", row.OrderType).Msg("apply fill: unrecognized order_type, position_state untouched")
		return decimal.Zero
	}

	pos.UpdatedAt = now
	if err := pos.CheckInvariants(); err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("apply fill: resulting position_state violates invariants, saving anyway for operator inspection")
	}
	if err := store.SavePositionState(pos); err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("apply fill: failed to save position state")
	}
	return realizedPnL
}

func applyOpen(pos *domain.PositionState, row domain.ExecutionLogRow, now time.Time) {
	pos.Symbol = row.Symbol
	pos.Side = directionToSide(row.Direction)
	pos.TotalQty = row.FilledQty
	pos.AvgEntryPrice = row.AvgFillPrice
	pos.Stage = 1
	pos.StageConsumedMask = 0b1
	pos.PlannedQty = row.RequestedQty
	pos.FilledQty = row.FilledQty
	pos.PlannedUSDT = row.RequestedUSDT
	pos.FilledUSDT = row.FilledQty.Mul(row.AvgFillPrice)
	pos.OrderState = domain.OrderStateFilled
	pos.PlanState = domain.PlanOpen
	pos.LastOrderID = row.OrderID
	pos.AccumulatedEntryFee = row.Fee
	pos.TradeBudgetUsedPct = decimal.NewFromFloat(defaultEntrySlicePct)
	pos.NextStageAvailable = nextStageAvailable(pos.Stage)
	pos.StagesDetail = []domain.StageDetail{{
		Stage: 1, Price: row.AvgFillPrice, Qty: row.FilledQty,
		FilledUSDT: row.FilledQty.Mul(row.AvgFillPrice),
	}}
	pos.StateChangedAt = now
}

func applyAdd(pos *domain.PositionState, row domain.ExecutionLogRow, now time.Time) {
	if pos.IsFlat() {
		log.Warn().Str("symbol", row.Symbol).Msg("ADD fill against a flat position; treating as OPEN")
		applyOpen(pos, row, now)
		return
	}

	newTotal := pos.TotalQty.Add(row.FilledQty)
	notionalBefore := pos.TotalQty.Mul(pos.AvgEntryPrice)
	notionalAdd := row.FilledQty.Mul(row.AvgFillPrice)
	if !newTotal.IsZero() {
		pos.AvgEntryPrice = notionalBefore.Add(notionalAdd).Div(newTotal)
	}
	pos.TotalQty = newTotal
	pos.FilledQty = pos.FilledQty.Add(row.FilledQty)
	pos.FilledUSDT = pos.FilledUSDT.Add(notionalAdd)
	pos.AccumulatedEntryFee = pos.AccumulatedEntryFee.Add(row.Fee)

	nextStage := pos.Stage + 1
	if nextStage > domain.MaxStage {
		nextStage = domain.MaxStage
	}
	pos.Stage = nextStage
	pos.StageConsumedMask |= 1 << uint(nextStage-1)
	pos.LastOrderID = row.OrderID
	pos.StagesDetail = append(pos.StagesDetail, domain.StageDetail{
		Stage: nextStage, Price: row.AvgFillPrice, Qty: row.FilledQty, FilledUSDT: notionalAdd,
	})

	slicedPct := pos.TradeBudgetUsedPct.Add(decimal.NewFromFloat(defaultAddSlicePct))
	maxPct := decimal.NewFromFloat(domain.MaxBudgetUsedPct)
	if slicedPct.GreaterThan(maxPct) {
		slicedPct = maxPct
	}
	pos.TradeBudgetUsedPct = slicedPct
	pos.NextStageAvailable = nextStageAvailable(pos.Stage)
	pos.StateChangedAt = now
}

// applyReduce shrinks the position by the fill's quantity and returns the
// §4.3 realized PnL for a partial reduce: the price delta on the reduced
// quantity, net of this fill's own exit fee and the slice of
// accumulated_entry_fee proportional to how much of the position this
// fill closed out. A reduce that would leave only dust behind is treated
// as a full close instead (§4.2.2, §8), netting the entire remaining
// accumulated_entry_fee rather than a proportional slice of it.
func applyReduce(pos *domain.PositionState, row domain.ExecutionLogRow, now time.Time) decimal.Decimal {
	remaining := pos.TotalQty.Sub(row.FilledQty)
	if remaining.Abs().LessThanOrEqual(domain.ZeroQty) || remaining.IsNegative() {
		return applyClose(pos, row, now)
	}

	totalBefore := pos.TotalQty
	proportionalFee := decimal.Zero
	if totalBefore.IsPositive() {
		proportionalFee = pos.AccumulatedEntryFee.Mul(row.FilledQty).Div(totalBefore)
	}

	pnl := row.AvgFillPrice.Sub(pos.AvgEntryPrice).Mul(row.FilledQty).Mul(directionSign(pos.Side)).
		Sub(row.Fee.Abs()).Sub(proportionalFee)

	pos.AccumulatedEntryFee = pos.AccumulatedEntryFee.Sub(proportionalFee)
	pos.TotalQty = remaining
	pos.LastOrderID = row.OrderID
	pos.StateChangedAt = now
	return pnl
}

// applyClose flattens the position and returns the §4.3 realized PnL for
// a full exit: the price delta on the fill's quantity, net of this fill's
// exit fee and the ENTIRE remaining accumulated_entry_fee (whatever
// portion reduces haven't already deducted).
func applyClose(pos *domain.PositionState, row domain.ExecutionLogRow, now time.Time) decimal.Decimal {
	pnl := row.AvgFillPrice.Sub(pos.AvgEntryPrice).Mul(row.FilledQty).Mul(directionSign(pos.Side)).
		Sub(row.Fee.Abs()).Sub(pos.AccumulatedEntryFee)

	pos.Side = domain.SideFlat
	pos.TotalQty = decimal.Zero
	pos.AvgEntryPrice = decimal.Zero
	pos.Stage = 0
	pos.StageConsumedMask = 0
	pos.NextStageAvailable = 0
	pos.OrderState = domain.OrderStateFilled
	pos.PlanState = domain.PlanNone
	pos.CapitalUsedUSDT = decimal.Zero
	pos.TradeBudgetUsedPct = decimal.Zero
	pos.LastOrderID = row.OrderID
	pos.AccumulatedEntryFee = decimal.Zero
	pos.StagesDetail = nil
	pos.StateChangedAt = now
	return pnl
}

// directionSign implements §4.3's dir_sign: +1 for a long position, -1
// for a short one, so (exit-entry)*qty*dir_sign is positive PnL on a
// favorable move regardless of side.
func directionSign(side domain.Side) decimal.Decimal {
	if side == domain.SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func nextStageAvailable(stage int) int {
	next := stage + 1
	if next > domain.MaxStage {
		return domain.MaxStage
	}
	return next
}

func directionToSide(d domain.Direction) domain.Side {
	if d == domain.DirectionShort {
		return domain.SideShort
	}
	return domain.SideLong
}
