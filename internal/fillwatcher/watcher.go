// Package fillwatcher implements the Fill Watcher daemon (§4.3): a
// fixed-interval poll loop over open execution_log rows that interprets
// exchange order status into fills, partial fills, timeouts, and
// cancellations, and folds the result back into position_state.
//
// Grounded on execution/executor.go's SubmitOrder/executeLive flow and
// core/engine.go's positionMonitorLoop ticker-select pattern, adapted
// from Polymarket's synchronous-fill simulation to the asynchronous
// poll-until-terminal model of original_source/app/fill_watcher.py.
package fillwatcher

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/exchange"
)

// PollInterval is the Fill Watcher's fixed poll cadence (§4.3).
var PollInterval = 5 * time.Second

// MaxPollCount is how many polls an order gets before it's treated as
// timed out (§4.3).
var MaxPollCount = 30 // 30 * 5s = 150s

// Store is the subset of storage.Store the Fill Watcher needs.
type Store interface {
	OpenExecutionLogs(symbol string) ([]domain.ExecutionLogRow, error)
	UpdateExecutionLog(row domain.ExecutionLogRow) error
	GetPositionState(symbol string) (domain.PositionState, error)
	SavePositionState(p domain.PositionState) error
	MarkQueueStatus(id int64, status domain.QueueStatus) error
}

// ExchangeOrders is the subset of exchange.Client the Fill Watcher needs.
type ExchangeOrders interface {
	FetchAnyOrder(symbol, orderID string) (*exchange.ExchangeOrder, error)
	CancelOrder(symbol, orderID string) error
}

// Watcher polls open orders for one symbol until each resolves to a
// terminal state (§4.3).
type Watcher struct {
	symbol string
	store  Store
	client ExchangeOrders

	stopCh chan struct{}
}

// NewWatcher constructs a Fill Watcher for one symbol.
func NewWatcher(symbol string, store Store, client ExchangeOrders) *Watcher {
	return &Watcher{symbol: symbol, store: store, client: client, stopCh: make(chan struct{})}
}

// Start runs the poll loop until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	log.Info().Str("symbol", w.symbol).Dur("interval", PollInterval).Msg("fill watcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce(time.Now())
		}
	}
}

// Stop halts the poll loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

// pollOnce runs a single poll cycle over every open execution_log row
// for the watcher's symbol (§4.3).
func (w *Watcher) pollOnce(now time.Time) {
	open, err := w.store.OpenExecutionLogs(w.symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", w.symbol).Msg("failed to load open execution_log rows")
		return
	}

	for _, row := range open {
		w.pollRow(row, now)
	}
}

func (w *Watcher) pollRow(row domain.ExecutionLogRow, now time.Time) {
	row.PollCount++
	row.LastPollAt = &now

	ord, err := w.client.FetchAnyOrder(row.Symbol, row.OrderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", row.OrderID).Msg("poll: fetch order failed")
		if row.PollCount >= MaxPollCount {
			w.handleTimeout(row, now)
			return
		}
		_ = w.store.UpdateExecutionLog(row)
		return
	}

	status := interpretStatus(ord)

	switch status {
	case domain.LogFilled:
		w.handleFilled(row, ord, now)
	case domain.LogPartiallyFilled:
		row.FilledQty = ord.FilledQty
		row.Status = domain.LogPartiallyFilled
		if row.PollCount >= MaxPollCount {
			w.handleTimeout(row, now)
			return
		}
		_ = w.store.UpdateExecutionLog(row)
	case domain.LogCanceled:
		row.Status = domain.LogCanceled
		_ = w.store.UpdateExecutionLog(row)
	default:
		if row.PollCount >= MaxPollCount {
			w.handleTimeout(row, now)
			return
		}
		_ = w.store.UpdateExecutionLog(row)
	}
}

// interpretStatus maps an exchange order status string to the §4.3
// ExecutionLogStatus enumeration, failing closed to SENT (still
// in-flight) for any status the venue hasn't documented.
func interpretStatus(ord *exchange.ExchangeOrder) domain.ExecutionLogStatus {
	switch ord.Status {
	case "filled", "closed":
		return domain.LogFilled
	case "partiallyFilled":
		return domain.LogPartiallyFilled
	case "canceled", "rejected":
		return domain.LogCanceled
	default:
		return domain.LogSent
	}
}

func (w *Watcher) handleTimeout(row domain.ExecutionLogRow, now time.Time) {
	log.Warn().Str("order_id", row.OrderID).Int("poll_count", row.PollCount).
		Msg("order timed out; cancelling")
	if err := w.client.CancelOrder(row.Symbol, row.OrderID); err != nil {
		log.Error().Err(err).Str("order_id", row.OrderID).Msg("cancel on timeout failed")
	}
	row.Status = domain.LogTimeout
	_ = w.store.UpdateExecutionLog(row)
	if row.ExecutionQueueID != nil {
		_ = w.store.MarkQueueStatus(*row.ExecutionQueueID, domain.QueueTimeout)
	}
}

func (w *Watcher) handleFilled(row domain.ExecutionLogRow, ord *exchange.ExchangeOrder, now time.Time) {
	row.Status = domain.LogFilled
	row.FilledQty = ord.FilledQty
	row.AvgFillPrice = ord.AvgPrice
	row.Fee = ord.Fee
	row.FeeCurrency = ord.FeeAsset

	row.RealizedPnL = ApplyFill(w.store, row, now)

	_ = w.store.UpdateExecutionLog(row)
	if row.ExecutionQueueID != nil {
		_ = w.store.MarkQueueStatus(*row.ExecutionQueueID, domain.QueueFilled)
	}
}

// zeroIfNil dereferences d, treating nil as zero. Nothing in this package
// calls it.
func zeroIfNil(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
