package fillwatcher

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/exchange"
)

// fakeStore is a minimal in-memory double for the Store interface, kept
// local to this package's tests rather than pulled from internal/storage
// to avoid a test-only import cycle.
type fakeStore struct {
	positions map[string]domain.PositionState
	logs      map[int64]domain.ExecutionLogRow
	queue     map[int64]domain.QueueStatus
	nextLogID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions: map[string]domain.PositionState{},
		logs:      map[int64]domain.ExecutionLogRow{},
		queue:     map[int64]domain.QueueStatus{},
	}
}

func (f *fakeStore) GetPositionState(symbol string) (domain.PositionState, error) {
	if p, ok := f.positions[symbol]; ok {
		return p, nil
	}
	return domain.PositionState{Symbol: symbol, Side: domain.SideFlat}, nil
}

func (f *fakeStore) SavePositionState(p domain.PositionState) error {
	f.positions[p.Symbol] = p
	return nil
}

func (f *fakeStore) OpenExecutionLogs(symbol string) ([]domain.ExecutionLogRow, error) {
	var out []domain.ExecutionLogRow
	for _, row := range f.logs {
		if row.Symbol == symbol && row.Status == domain.LogSent {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateExecutionLog(row domain.ExecutionLogRow) error {
	f.logs[row.ID] = row
	return nil
}

func (f *fakeStore) MarkQueueStatus(id int64, status domain.QueueStatus) error {
	f.queue[id] = status
	return nil
}

func (f *fakeStore) insertLog(row domain.ExecutionLogRow) int64 {
	f.nextLogID++
	row.ID = f.nextLogID
	f.logs[row.ID] = row
	return row.ID
}

// fakeExchange is a scriptable double for ExchangeOrders.
type fakeExchange struct {
	order     *exchange.ExchangeOrder
	fetchErr  error
	cancelled []string
}

func (f *fakeExchange) FetchAnyOrder(symbol, orderID string) (*exchange.ExchangeOrder, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.order, nil
}

func (f *fakeExchange) CancelOrder(symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func TestApplyFill_OpenSetsUpFlatPositionFromScratch(t *testing.T) {
	store := newFakeStore()
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionOpen), Direction: domain.DirectionLong,
		OrderID: "X1", FilledQty: decimal.RequireFromString("0.05"),
		AvgFillPrice: decimal.RequireFromString("60000"), RequestedQty: decimal.RequireFromString("0.05"),
		RequestedUSDT: decimal.RequireFromString("3000"), Fee: decimal.RequireFromString("1.5"),
	}
	ApplyFill(store, row, time.Now())

	pos := store.positions["BTCUSDT"]
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.True(t, pos.TotalQty.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("60000")))
	assert.Equal(t, 1, pos.Stage)
	require.NoError(t, pos.CheckInvariants())
}

func TestApplyFill_AddBlendsAvgEntryPriceAndAdvancesStage(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"),
		Stage: 1, StageConsumedMask: 0b1,
	}
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionAdd), Direction: domain.DirectionLong,
		OrderID: "X2", FilledQty: decimal.RequireFromString("0.1"),
		AvgFillPrice: decimal.RequireFromString("58000"),
	}
	ApplyFill(store, row, time.Now())

	pos := store.positions["BTCUSDT"]
	assert.True(t, pos.TotalQty.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("59000")))
	assert.Equal(t, 2, pos.Stage)
	assert.Equal(t, 2, domain.PopcountMask(pos.StageConsumedMask))
}

func TestApplyFill_CloseFlattensPosition(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.2"), AvgEntryPrice: decimal.RequireFromString("59000"),
		Stage: 2, StageConsumedMask: 0b11,
	}
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionFullClose), Direction: domain.DirectionShort,
		OrderID: "X3", FilledQty: decimal.RequireFromString("0.2"),
		AvgFillPrice: decimal.RequireFromString("61000"),
	}
	ApplyFill(store, row, time.Now())

	pos := store.positions["BTCUSDT"]
	assert.True(t, pos.IsFlat())
	assert.Equal(t, 0, pos.Stage)
}

func TestApplyFill_ReduceBelowDustToleranceUpgradesToClose(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"),
		Stage: 1, StageConsumedMask: 0b1,
	}
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionReduce), Direction: domain.DirectionShort,
		OrderID: "X4", FilledQty: decimal.RequireFromString("0.1"),
		AvgFillPrice: decimal.RequireFromString("61000"),
	}
	ApplyFill(store, row, time.Now())

	pos := store.positions["BTCUSDT"]
	assert.True(t, pos.IsFlat())
}

func TestApplyFill_OpenSetsInitialTradeBudgetAndNextStage(t *testing.T) {
	store := newFakeStore()
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionOpen), Direction: domain.DirectionLong,
		OrderID: "X1", FilledQty: decimal.RequireFromString("0.05"),
		AvgFillPrice: decimal.RequireFromString("60000"),
	}
	ApplyFill(store, row, time.Now())

	pos := store.positions["BTCUSDT"]
	assert.True(t, pos.TradeBudgetUsedPct.Equal(decimal.NewFromFloat(defaultEntrySlicePct)))
	assert.Equal(t, 2, pos.NextStageAvailable)
}

func TestApplyFill_AddAdvancesTradeBudgetCappedAtMax(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"),
		Stage: 6, StageConsumedMask: 0b111111, TradeBudgetUsedPct: decimal.NewFromFloat(65),
	}
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionAdd), Direction: domain.DirectionLong,
		OrderID: "X2", FilledQty: decimal.RequireFromString("0.1"),
		AvgFillPrice: decimal.RequireFromString("58000"),
	}
	ApplyFill(store, row, time.Now())

	pos := store.positions["BTCUSDT"]
	assert.True(t, pos.TradeBudgetUsedPct.Equal(decimal.NewFromFloat(domain.MaxBudgetUsedPct)))
	assert.Equal(t, domain.MaxStage, pos.NextStageAvailable)
}

func TestApplyFill_ReduceRealizesProportionalPnlAndFee(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("1"), AvgEntryPrice: decimal.RequireFromString("60000"),
		Stage: 1, StageConsumedMask: 0b1, AccumulatedEntryFee: decimal.RequireFromString("10"),
	}
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionReduce), Direction: domain.DirectionShort,
		OrderID: "X4", FilledQty: decimal.RequireFromString("0.25"),
		AvgFillPrice: decimal.RequireFromString("61000"), Fee: decimal.RequireFromString("2"),
	}
	pnl := ApplyFill(store, row, time.Now())

	// (61000-60000)*0.25*1 - 2 - (10*0.25/1) = 250 - 2 - 2.5 = 245.5
	assert.True(t, pnl.Equal(decimal.RequireFromString("245.5")), pnl.String())

	pos := store.positions["BTCUSDT"]
	assert.True(t, pos.TotalQty.Equal(decimal.RequireFromString("0.75")))
	assert.True(t, pos.AccumulatedEntryFee.Equal(decimal.RequireFromString("7.5")), pos.AccumulatedEntryFee.String())
}

func TestApplyFill_ReduceOnShortAppliesNegativeDirSign(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideShort,
		TotalQty: decimal.RequireFromString("1"), AvgEntryPrice: decimal.RequireFromString("60000"),
		Stage: 1, StageConsumedMask: 0b1,
	}
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionReduce), Direction: domain.DirectionLong,
		OrderID: "X4", FilledQty: decimal.RequireFromString("0.5"),
		AvgFillPrice: decimal.RequireFromString("58000"),
	}
	pnl := ApplyFill(store, row, time.Now())

	// (58000-60000)*0.5*(-1) = 1000, favorable move on a short
	assert.True(t, pnl.Equal(decimal.RequireFromString("1000")), pnl.String())
}

func TestApplyFill_CloseNetsEntireRemainingAccumulatedFee(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.2"), AvgEntryPrice: decimal.RequireFromString("59000"),
		Stage: 2, StageConsumedMask: 0b11, AccumulatedEntryFee: decimal.RequireFromString("5"),
	}
	row := domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionFullClose), Direction: domain.DirectionShort,
		OrderID: "X3", FilledQty: decimal.RequireFromString("0.2"),
		AvgFillPrice: decimal.RequireFromString("61000"), Fee: decimal.RequireFromString("3"),
	}
	pnl := ApplyFill(store, row, time.Now())

	// (61000-59000)*0.2*1 - 3 - 5 = 400 - 3 - 5 = 392
	assert.True(t, pnl.Equal(decimal.RequireFromString("392")), pnl.String())

	pos := store.positions["BTCUSDT"]
	assert.True(t, pos.AccumulatedEntryFee.IsZero())
	assert.True(t, pos.TradeBudgetUsedPct.IsZero())
}

func TestApplyFill_AddAgainstFlatPositionTreatedAsOpen(t *testing.T) {
	store := newFakeStore()
	row := domain.ExecutionLogRow{
		Symbol: "ETHUSDT", OrderType: string(domain.ActionAdd), Direction: domain.DirectionLong,
		OrderID: "X5", FilledQty: decimal.RequireFromString("1"),
		AvgFillPrice: decimal.RequireFromString("3000"),
	}
	ApplyFill(store, row, time.Now())

	pos := store.positions["ETHUSDT"]
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.Equal(t, 1, pos.Stage)
}

func TestPollRow_FilledOrderAppliesFillAndMarksQueue(t *testing.T) {
	store := newFakeStore()
	qid := int64(7)
	logID := store.insertLog(domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionOpen), Direction: domain.DirectionLong,
		OrderID: "ORD1", Status: domain.LogSent, ExecutionQueueID: &qid,
		RequestedQty: decimal.RequireFromString("0.05"),
	})
	client := &fakeExchange{order: &exchange.ExchangeOrder{
		OrderID: "ORD1", Symbol: "BTCUSDT", Status: "filled",
		FilledQty: decimal.RequireFromString("0.05"), AvgPrice: decimal.RequireFromString("60000"),
		Fee: decimal.RequireFromString("1.2"), FeeAsset: "USDT",
	}}
	w := NewWatcher("BTCUSDT", store, client)

	row := store.logs[logID]
	w.pollRow(row, time.Now())

	updated := store.logs[logID]
	assert.Equal(t, domain.LogFilled, updated.Status)
	assert.Equal(t, domain.QueueFilled, store.queue[qid])
	pos := store.positions["BTCUSDT"]
	assert.Equal(t, domain.SideLong, pos.Side)
}

func TestPollRow_TimeoutCancelsAndMarksQueue(t *testing.T) {
	store := newFakeStore()
	qid := int64(9)
	logID := store.insertLog(domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionOpen), Direction: domain.DirectionLong,
		OrderID: "ORD2", Status: domain.LogSent, ExecutionQueueID: &qid, PollCount: MaxPollCount,
	})
	client := &fakeExchange{fetchErr: errors.New("still pending")}
	w := NewWatcher("BTCUSDT", store, client)

	row := store.logs[logID]
	w.pollRow(row, time.Now())

	updated := store.logs[logID]
	assert.Equal(t, domain.LogTimeout, updated.Status)
	assert.Equal(t, domain.QueueTimeout, store.queue[qid])
	assert.Contains(t, client.cancelled, "ORD2")
}

func TestPollRow_PartialFillKeepsPollingUntilTerminal(t *testing.T) {
	store := newFakeStore()
	logID := store.insertLog(domain.ExecutionLogRow{
		Symbol: "BTCUSDT", OrderType: string(domain.ActionOpen), Direction: domain.DirectionLong,
		OrderID: "ORD3", Status: domain.LogSent,
	})
	client := &fakeExchange{order: &exchange.ExchangeOrder{
		OrderID: "ORD3", Status: "partiallyFilled", FilledQty: decimal.RequireFromString("0.02"),
	}}
	w := NewWatcher("BTCUSDT", store, client)

	row := store.logs[logID]
	w.pollRow(row, time.Now())

	updated := store.logs[logID]
	assert.Equal(t, domain.LogPartiallyFilled, updated.Status)
	assert.True(t, updated.FilledQty.Equal(decimal.RequireFromString("0.02")))
}

func TestInterpretStatus(t *testing.T) {
	cases := map[string]domain.ExecutionLogStatus{
		"filled":          domain.LogFilled,
		"partiallyFilled": domain.LogPartiallyFilled,
		"canceled":        domain.LogCanceled,
		"rejected":        domain.LogCanceled,
		"open":            domain.LogSent,
	}
	for status, want := range cases {
		got := interpretStatus(&exchange.ExchangeOrder{Status: status})
		assert.Equal(t, want, got, status)
	}
}

// fakeExchangePositions scripts FetchPositions for reconciler tests.
type fakeExchangePositions struct {
	pos *exchange.ExchangePosition
	err error
}

func (f *fakeExchangePositions) FetchPositions(symbol string) (*exchange.ExchangePosition, error) {
	return f.pos, f.err
}

func TestReconcile_BothFlatIsOK(t *testing.T) {
	store := newFakeStore()
	client := &fakeExchangePositions{pos: &exchange.ExchangePosition{Symbol: "BTCUSDT"}}
	r := NewReconciler(client, store)

	result := r.Reconcile("BTCUSDT", time.Now().Add(-time.Hour), time.Now())
	assert.Equal(t, domain.ReconcileOK, result.Verdict)
}

func TestReconcile_MatchingExposureIsOK(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"),
	}
	client := &fakeExchangePositions{pos: &exchange.ExchangePosition{
		Symbol: "BTCUSDT", Side: "long", Qty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"),
	}}
	r := NewReconciler(client, store)

	result := r.Reconcile("BTCUSDT", time.Now().Add(-time.Hour), time.Now())
	assert.Equal(t, domain.ReconcileOK, result.Verdict)
}

func TestReconcile_MismatchWithinGraceWindowWaits(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{Symbol: "BTCUSDT", Side: domain.SideFlat}
	client := &fakeExchangePositions{pos: &exchange.ExchangePosition{
		Symbol: "BTCUSDT", Side: "long", Qty: decimal.RequireFromString("0.1"),
	}}
	r := NewReconciler(client, store)

	now := time.Now()
	result := r.Reconcile("BTCUSDT", now.Add(-2*time.Second), now)
	assert.Equal(t, domain.ReconcileMismatchWait, result.Verdict)
}

func TestReconcile_MismatchPastGraceWindowNeedsHealing(t *testing.T) {
	store := newFakeStore()
	store.positions["BTCUSDT"] = domain.PositionState{Symbol: "BTCUSDT", Side: domain.SideFlat}
	client := &fakeExchangePositions{pos: &exchange.ExchangePosition{
		Symbol: "BTCUSDT", Side: "long", Qty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"),
	}}
	r := NewReconciler(client, store)

	now := time.Now()
	result := r.Reconcile("BTCUSDT", now.Add(-time.Minute), now)
	require.Equal(t, domain.ReconcileMismatchHeal, result.Verdict)

	require.NoError(t, r.Heal(result, now))
	pos := store.positions["BTCUSDT"]
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.True(t, pos.TotalQty.Equal(decimal.RequireFromString("0.1")))
}

func TestReconcile_ExchangeUnreachableIsUnknown(t *testing.T) {
	store := newFakeStore()
	client := &fakeExchangePositions{err: errors.New("network error")}
	r := NewReconciler(client, store)

	result := r.Reconcile("BTCUSDT", time.Now(), time.Now())
	assert.Equal(t, domain.ReconcileUnknown, result.Verdict)
}
