package positionmanager

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcperp/core/internal/domain"
)

func basePosition() domain.PositionState {
	return domain.PositionState{
		Symbol: "BTCUSDT", Side: domain.SideLong,
		TotalQty: decimal.RequireFromString("0.1"), AvgEntryPrice: decimal.RequireFromString("60000"),
		Stage: 1,
	}
}

func TestDecide_FlatAlwaysHolds(t *testing.T) {
	out := Decide(DecisionContext{Position: domain.PositionState{}})
	assert.Equal(t, domain.DecisionHold, out.Action)
}

func TestDecide_StopLossTakesPriorityOverEverythingElse(t *testing.T) {
	pos := basePosition()
	ctx := DecisionContext{
		Position: pos,
		Snapshot: domain.Snapshot{Price: decimal.RequireFromString("58000")}, // -3.3%
		StopLossPct: decimal.NewFromFloat(2.5),
		ReversalEnabled: true,
		AddAllowed: true,
		Regime: "strong_downtrend",
	}
	out := Decide(ctx)
	assert.Equal(t, domain.DecisionClose, out.Action)
}

func TestDecide_ReversalOnRegimeFlip(t *testing.T) {
	pos := basePosition()
	ctx := DecisionContext{
		Position: pos,
		Snapshot: domain.Snapshot{Price: decimal.RequireFromString("60500")},
		StopLossPct: decimal.NewFromFloat(2.5),
		ReversalEnabled: true,
		MeanRevShortAllowed: true,
		Regime: "strong_downtrend",
	}
	out := Decide(ctx)
	require.Equal(t, domain.DecisionReverse, out.Action)
	assert.Equal(t, domain.SideShort, out.ReverseTo)
}

func TestDecide_ReversalBlockedByMeanRevShortGate(t *testing.T) {
	pos := basePosition()
	ctx := DecisionContext{
		Position: pos,
		Snapshot: domain.Snapshot{Price: decimal.RequireFromString("60500")},
		StopLossPct: decimal.NewFromFloat(2.5),
		ReversalEnabled: true,
		MeanRevShortAllowed: false,
		Regime: "strong_downtrend",
	}
	out := Decide(ctx)
	assert.NotEqual(t, domain.DecisionReverse, out.Action)
}

func TestDecide_AddWhenStageBelowMax(t *testing.T) {
	pos := basePosition()
	ctx := DecisionContext{
		Position: pos,
		Snapshot: domain.Snapshot{Price: decimal.RequireFromString("60500")},
		StopLossPct: decimal.NewFromFloat(2.5),
		AddAllowed: true,
		Regime: "uptrend",
	}
	out := Decide(ctx)
	assert.Equal(t, domain.DecisionAdd, out.Action)
}

func TestDecide_AddDeniedAtMaxStage(t *testing.T) {
	pos := basePosition()
	pos.Stage = domain.MaxStage
	ctx := DecisionContext{
		Position: pos,
		Snapshot: domain.Snapshot{Price: decimal.RequireFromString("60500")},
		StopLossPct: decimal.NewFromFloat(2.5),
		AddAllowed: true,
		Regime: "uptrend",
	}
	out := Decide(ctx)
	assert.Equal(t, domain.DecisionHold, out.Action)
}

func TestBuild_ReduceUpgradesToFullCloseBelowDustTolerance(t *testing.T) {
	pos := basePosition()
	decision := Decision{Action: domain.DecisionReduce, ReducePct: decimal.NewFromFloat(100.0)}
	result := Build("BTCUSDT", decision, pos, decimal.Zero, "test", time.Now())
	require.Len(t, result.Rows, 1)
	assert.Equal(t, domain.ActionFullClose, result.Rows[0].ActionType)
}

func TestBuild_ReduceUpgradesToFullCloseWhenCutBelowMinQty(t *testing.T) {
	pos := basePosition()
	pos.TotalQty = decimal.RequireFromString("0.002")
	minQty := decimal.RequireFromString("0.001")
	decision := Decision{Action: domain.DecisionReduce, ReducePct: decimal.NewFromFloat(30.0)}
	result := Build("BTCUSDT", decision, pos, minQty, "test", time.Now())
	require.Len(t, result.Rows, 1)
	assert.Equal(t, domain.ActionFullClose, result.Rows[0].ActionType)
	assert.Equal(t, true, result.Rows[0].Meta["reduce_upgraded_to_close"])
}

func TestBuild_ReduceStaysPartialWhenCutAboveMinQty(t *testing.T) {
	pos := basePosition()
	pos.TotalQty = decimal.RequireFromString("0.1")
	minQty := decimal.RequireFromString("0.001")
	decision := Decision{Action: domain.DecisionReduce, ReducePct: decimal.NewFromFloat(30.0)}
	result := Build("BTCUSDT", decision, pos, minQty, "test", time.Now())
	require.Len(t, result.Rows, 1)
	assert.Equal(t, domain.ActionReduce, result.Rows[0].ActionType)
	assert.Equal(t, priorityReduce, result.Rows[0].Priority)
}

func TestBuild_ReverseDecomposesIntoTwoRows(t *testing.T) {
	pos := basePosition()
	decision := Decision{Action: domain.DecisionReverse, ReverseTo: domain.SideShort}
	result := Build("BTCUSDT", decision, pos, decimal.Zero, "test", time.Now())
	require.Len(t, result.Rows, 2)
	assert.Equal(t, domain.ActionReverseClose, result.Rows[0].ActionType)
	assert.Equal(t, domain.ActionReverseOpen, result.Rows[1].ActionType)
	assert.Equal(t, domain.DirectionShort, result.Rows[1].Direction)
	assert.Equal(t, priorityReverse, result.Rows[0].Priority)
	assert.Equal(t, priorityReverse, result.Rows[1].Priority)
}

func TestBuild_HoldProducesNoRows(t *testing.T) {
	result := Build("BTCUSDT", Decision{Action: domain.DecisionHold}, basePosition(), decimal.Zero, "test", time.Now())
	assert.True(t, result.Dropped)
	assert.Empty(t, result.Rows)
}

type fakeDupChecker struct{ dup bool }

func (f fakeDupChecker) HasDuplicatePending(symbol string, actionType domain.ActionType, since time.Time) (bool, error) {
	return f.dup, nil
}

func TestDedupAndEnqueue_SkipsDuplicates(t *testing.T) {
	rows := []domain.ExecutionQueueRow{{Symbol: "BTCUSDT", ActionType: domain.ActionAdd}}
	var enqueued int
	ids, err := DedupAndEnqueue(fakeDupChecker{dup: true}, func(r domain.ExecutionQueueRow) (int64, error) {
		enqueued++
		return 1, nil
	}, rows, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, enqueued)
}

func TestDedupAndEnqueue_EnqueuesWhenNoDuplicate(t *testing.T) {
	rows := []domain.ExecutionQueueRow{{Symbol: "BTCUSDT", ActionType: domain.ActionAdd}}
	ids, err := DedupAndEnqueue(fakeDupChecker{dup: false}, func(r domain.ExecutionQueueRow) (int64, error) {
		return 42, nil
	}, rows, time.Now())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, int64(42), ids[0])
}

func TestDedupAndEnqueue_ReverseOpenDependsOnPairedClose(t *testing.T) {
	pos := basePosition()
	result := Build("BTCUSDT", Decision{Action: domain.DecisionReverse, ReverseTo: domain.SideShort}, pos, decimal.Zero, "test", time.Now())
	require.Len(t, result.Rows, 2)

	var nextID, closeID int64
	ids, err := DedupAndEnqueue(fakeDupChecker{dup: false}, func(r domain.ExecutionQueueRow) (int64, error) {
		nextID++
		if r.ActionType == domain.ActionReverseClose {
			closeID = nextID
		}
		if r.ActionType == domain.ActionReverseOpen {
			require.NotNil(t, r.DependsOn)
			assert.Equal(t, closeID, *r.DependsOn)
		}
		return nextID, nil
	}, result.Rows, time.Now())
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestDedupAndEnqueue_ReverseOpenSuppressedWhenCloseDeduped(t *testing.T) {
	pos := basePosition()
	result := Build("BTCUSDT", Decision{Action: domain.DecisionReverse, ReverseTo: domain.SideShort}, pos, decimal.Zero, "test", time.Now())
	require.Len(t, result.Rows, 2)

	var enqueued []domain.ActionType
	ids, err := DedupAndEnqueue(dupOnlyFor{domain.ActionReverseClose}, func(r domain.ExecutionQueueRow) (int64, error) {
		enqueued = append(enqueued, r.ActionType)
		return 1, nil
	}, result.Rows, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, enqueued)
}

type dupOnlyFor struct{ actionType domain.ActionType }

func (d dupOnlyFor) HasDuplicatePending(symbol string, actionType domain.ActionType, since time.Time) (bool, error) {
	return actionType == d.actionType, nil
}
