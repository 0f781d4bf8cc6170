package fillwatcher

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/exchange"
)

// mismatchTolerance is how far exchange qty and strategy DB qty may drift
// before a mismatch is flagged — guards against float/decimal jitter in
// the venue's own rounding (§4.4).
var mismatchTolerance = decimal.New(1, -6)

// waitAfterOrder is how long a just-placed order is given before a
// qty/side mismatch is treated as real rather than an in-flight fill
// still propagating through the venue (§4.4 MISMATCH.WAIT).
var waitAfterOrder = 10 * time.Second

// ExchangePositions is the subset of exchange.Client the reconciler needs.
type ExchangePositions interface {
	FetchPositions(symbol string) (*exchange.ExchangePosition, error)
}

// ReconcileResult is the outcome of comparing exchange truth against the
// strategy DB for one symbol (§4.4).
type ReconcileResult struct {
	Verdict  domain.ReconcileVerdict
	Symbol   string
	Exchange exchange.ExchangePosition
	Strategy domain.PositionState
	Reason   string
}

// Reconciler compares exchange-side truth against position_state and
// classifies the result as OK, a healable mismatch, a mismatch still
// within the grace window, or UNKNOWN when the venue can't be reached.
//
// Grounded on execution/reconciler.go's startup RecoverPositions flow,
// adapted from a one-shot crash-recovery pass into the Fill Watcher's
// recurring embedded check (§4.4).
type Reconciler struct {
	client ExchangePositions
	store  Store
}

// NewReconciler constructs an embedded reconciler.
func NewReconciler(client ExchangePositions, store Store) *Reconciler {
	return &Reconciler{client: client, store: store}
}

// Reconcile compares the exchange's reported position for symbol against
// position_state and returns a classified verdict. It never mutates
// state itself — Heal must be called explicitly so callers can log or
// gate the healing action first.
func (r *Reconciler) Reconcile(symbol string, lastOrderSentAt time.Time, now time.Time) ReconcileResult {
	pos, err := r.store.GetPositionState(symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("reconcile: failed to load position_state")
		return ReconcileResult{Verdict: domain.ReconcileUnknown, Symbol: symbol, Reason: "position_state unavailable"}
	}

	exPos, err := r.client.FetchPositions(symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("reconcile: exchange unreachable")
		return ReconcileResult{Verdict: domain.ReconcileUnknown, Symbol: symbol, Strategy: pos, Reason: "exchange unreachable"}
	}

	result := ReconcileResult{Symbol: symbol, Exchange: *exPos, Strategy: pos}

	exFlat := exPos.Qty.Abs().LessThanOrEqual(mismatchTolerance) || exPos.Side == ""
	dbFlat := pos.IsFlat()

	switch {
	case exFlat && dbFlat:
		result.Verdict = domain.ReconcileOK
		return result
	case !exFlat && !dbFlat && sameSide(exPos.Side, pos.Side) && exPos.Qty.Sub(pos.TotalQty).Abs().LessThanOrEqual(mismatchTolerance):
		result.Verdict = domain.ReconcileOK
		return result
	}

	if now.Sub(lastOrderSentAt) < waitAfterOrder {
		result.Verdict = domain.ReconcileMismatchWait
		result.Reason = "within post-order grace window"
		return result
	}

	result.Verdict = domain.ReconcileMismatchHeal
	result.Reason = mismatchReason(exFlat, dbFlat, *exPos, pos)
	return result
}

// Heal applies the exchange's truth onto position_state (§4.4): the
// exchange is always the source of truth for what is actually held.
func (r *Reconciler) Heal(result ReconcileResult, now time.Time) error {
	if result.Verdict != domain.ReconcileMismatchHeal {
		return nil
	}

	pos := result.Strategy
	if result.Exchange.Qty.Abs().LessThanOrEqual(mismatchTolerance) || result.Exchange.Side == "" {
		pos.Side = domain.SideFlat
		pos.TotalQty = decimal.Zero
		pos.AvgEntryPrice = decimal.Zero
		pos.Stage = 0
		pos.StageConsumedMask = 0
		pos.PlanState = domain.PlanNone
	} else {
		pos.Side = domain.Side(result.Exchange.Side)
		pos.TotalQty = result.Exchange.Qty
		pos.AvgEntryPrice = result.Exchange.AvgEntryPrice
		if pos.Stage == 0 {
			pos.Stage = 1
			pos.StageConsumedMask = 0b1
		}
		pos.PlanState = domain.PlanOpen
	}
	pos.StateChangedAt = now
	pos.UpdatedAt = now

	log.Warn().Str("symbol", result.Symbol).Str("reason", result.Reason).
		Msg("reconcile: healing position_state from exchange truth")

	return r.store.SavePositionState(pos)
}

func sameSide(exchangeSide string, dbSide domain.Side) bool {
	return domain.Side(exchangeSide) == dbSide
}

func mismatchReason(exFlat, dbFlat bool, exPos exchange.ExchangePosition, pos domain.PositionState) string {
	switch {
	case exFlat && !dbFlat:
		return "exchange flat but position_state holds exposure"
	case !exFlat && dbFlat:
		return "exchange holds exposure but position_state is flat"
	case domain.Side(exPos.Side) != pos.Side:
		return "side mismatch between exchange and position_state"
	default:
		return "qty mismatch between exchange and position_state"
	}
}
