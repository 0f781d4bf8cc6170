package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcperp/core/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	return s
}

func TestGetPositionState_CreatesFlatRow(t *testing.T) {
	s := newTestStore(t)
	p, err := s.GetPositionState("BTCUSDT")
	require.NoError(t, err)
	assert.True(t, p.IsFlat())
	assert.Equal(t, domain.OrderStateNone, p.OrderState)
}

func TestSaveAndGetPositionState_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.5"), AvgEntryPrice: decimal.RequireFromString("60000"),
		Stage: 2, StageConsumedMask: 0b11,
		PlannedQty: decimal.RequireFromString("0.5"), FilledQty: decimal.RequireFromString("0.5"),
		OrderState: domain.OrderStateFilled, PlanState: domain.PlanOpen,
		StagesDetail: []domain.StageDetail{{Stage: 1, Price: decimal.RequireFromString("60000")}},
	}
	require.NoError(t, s.SavePositionState(p))

	got, err := s.GetPositionState("BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.TotalQty.Equal(p.TotalQty))
	assert.Equal(t, domain.SideLong, got.Side)
	require.Len(t, got.StagesDetail, 1)
	assert.Equal(t, 1, got.StagesDetail[0].Stage)
}

func TestEnqueueAndPendingQueueRows(t *testing.T) {
	s := newTestStore(t)
	qty := decimal.RequireFromString("0.01")
	id, err := s.Enqueue(domain.ExecutionQueueRow{
		Ts: time.Now(), Symbol: "BTCUSDT", ActionType: domain.ActionOpen,
		Direction: domain.DirectionLong, TargetQty: &qty, Source: "test", Priority: 1,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	rows, err := s.PendingQueueRows("BTCUSDT")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.QueuePending, rows[0].Status)

	require.NoError(t, s.MarkQueueStatus(id, domain.QueueFilled))
	rows, err = s.PendingQueueRows("BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestHasDuplicatePending(t *testing.T) {
	s := newTestStore(t)
	qty := decimal.RequireFromString("0.01")
	_, err := s.Enqueue(domain.ExecutionQueueRow{
		Ts: time.Now(), Symbol: "BTCUSDT", ActionType: domain.ActionAdd,
		Direction: domain.DirectionLong, TargetQty: &qty, Source: "test", Priority: 1,
	})
	require.NoError(t, err)

	dup, err := s.HasDuplicatePending("BTCUSDT", domain.ActionAdd, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = s.HasDuplicatePending("BTCUSDT", domain.ActionReduce, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestTradeSwitchDefaultsEnabled(t *testing.T) {
	s := newTestStore(t)
	enabled, err := s.TradingEnabled("BTCUSDT")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, s.SetTradingEnabled("BTCUSDT", false, "manual halt", "operator"))
	enabled, err = s.TradingEnabled("BTCUSDT")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestKVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetKV("markets_version")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetKV("markets_version", "3"))
	v, ok, err := s.GetKV("markets_version")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestExecutionLogInsertAndUpdate(t *testing.T) {
	s := newTestStore(t)
	id, err := s.InsertExecutionLog(domain.ExecutionLogRow{
		OrderID: "ord-1", Symbol: "BTCUSDT", OrderType: "OPEN", Direction: domain.DirectionLong,
		RequestedQty: decimal.RequireFromString("0.01"), Status: domain.LogSent, OrderSentAt: time.Now(),
	})
	require.NoError(t, err)

	open, err := s.OpenExecutionLogs("BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	open[0].ID = id
	open[0].Status = domain.LogFilled
	open[0].FilledQty = decimal.RequireFromString("0.01")
	require.NoError(t, s.UpdateExecutionLog(open[0]))

	open, err = s.OpenExecutionLogs("BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 0)
}

func TestBackupJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/state.json"

	type payload struct {
		LossStreak int `json:"loss_streak"`
	}

	require.NoError(t, BackupJSON(path, payload{LossStreak: 3}))

	var out payload
	found, err := LoadJSONBackup(path, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, out.LossStreak)

	var missing payload
	found, err = LoadJSONBackup(dir+"/missing.json", &missing)
	require.NoError(t, err)
	assert.False(t, found)
}
