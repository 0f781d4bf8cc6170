package adaptive

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcperp/core/internal/domain"
)

func TestLossStreakPenalty_NoPenaltyBelowTrip(t *testing.T) {
	l := NewLayers(DefaultConfig())
	now := time.Now()
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	assert.True(t, l.LossStreakPenalty("BTCUSDT").Equal(decimal.NewFromInt(1)))
}

func TestLossStreakPenalty_StepsDownAndFloors(t *testing.T) {
	l := NewLayers(DefaultConfig())
	now := time.Now()
	for i := 0; i < 10; i++ {
		l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	}
	penalty := l.LossStreakPenalty("BTCUSDT")
	assert.True(t, penalty.Equal(FloorPenalty), "penalty should floor at %s, got %s", FloorPenalty, penalty)
}

func TestLossStreakPenalty_ResetByWin(t *testing.T) {
	l := NewLayers(DefaultConfig())
	now := time.Now()
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	require.True(t, l.LossStreakPenalty("BTCUSDT").LessThan(decimal.NewFromInt(1)))

	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, true, now)
	assert.True(t, l.LossStreakPenalty("BTCUSDT").Equal(decimal.NewFromInt(1)))
}

func TestMaybeResetLossStreak_AntiParalysis(t *testing.T) {
	cfg := DefaultConfig()
	l := NewLayers(cfg)
	now := time.Now()
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	require.True(t, l.LossStreakPenalty("BTCUSDT").LessThan(decimal.NewFromInt(1)))

	l.MaybeResetLossStreak("BTCUSDT", now.Add(cfg.LossStreakResetAfter-time.Minute))
	assert.True(t, l.LossStreakPenalty("BTCUSDT").LessThan(decimal.NewFromInt(1)), "should not reset early")

	l.MaybeResetLossStreak("BTCUSDT", now.Add(cfg.LossStreakResetAfter+time.Minute))
	assert.True(t, l.LossStreakPenalty("BTCUSDT").Equal(decimal.NewFromInt(1)), "should reset after quiet period")
}

func TestMeanRevShortGate_OnlyBlocksMeanRevShort(t *testing.T) {
	l := NewLayers(DefaultConfig())
	l.SetMeanRevShortBlocked("BTCUSDT", true)

	assert.False(t, l.MeanRevShortAllowed("BTCUSDT", "MeanReversion", domain.SideShort))
	assert.True(t, l.MeanRevShortAllowed("BTCUSDT", "MeanReversion", domain.SideLong))
	assert.True(t, l.MeanRevShortAllowed("BTCUSDT", "Trend", domain.SideShort))
}

func TestAddGate(t *testing.T) {
	l := NewLayers(DefaultConfig())
	assert.True(t, l.AddAllowed("BTCUSDT"))
	l.SetAddGateOpen("BTCUSDT", false)
	assert.False(t, l.AddAllowed("BTCUSDT"))
}

func TestHealthWarnGate(t *testing.T) {
	l := NewLayers(DefaultConfig())
	assert.False(t, l.HealthWarnActive("BTCUSDT"))
	l.SetHealthWarn("BTCUSDT", true)
	assert.True(t, l.HealthWarnActive("BTCUSDT"))
}

func TestModeWinRatePenalty_RequiresMinimumSample(t *testing.T) {
	l := NewLayers(DefaultConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		l.RecordTradeOutcome("BTCUSDT", domain.ModeEvent, false, now)
	}
	assert.True(t, l.ModeWinRatePenalty("BTCUSDT", domain.ModeEvent).Equal(decimal.NewFromInt(1)), "too few samples, no penalty yet")
}

func TestModeWinRatePenalty_FloorsOnLowWinRate(t *testing.T) {
	l := NewLayers(DefaultConfig())
	now := time.Now()
	for i := 0; i < 10; i++ {
		l.RecordTradeOutcome("BTCUSDT", domain.ModeEvent, i < 2, now)
	}
	assert.True(t, l.ModeWinRatePenalty("BTCUSDT", domain.ModeEvent).Equal(FloorPenalty))
}

func TestCombined_NeverBelowFloor(t *testing.T) {
	l := NewLayers(DefaultConfig())
	now := time.Now()
	for i := 0; i < 10; i++ {
		l.RecordTradeOutcome("BTCUSDT", domain.ModeEvent, false, now)
	}
	combined := l.Combined("BTCUSDT", domain.ModeEvent)
	assert.True(t, combined.GreaterThanOrEqual(FloorPenalty))
	assert.True(t, combined.Equal(FloorPenalty))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := NewLayers(DefaultConfig())
	now := time.Now()
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.RecordTradeOutcome("BTCUSDT", domain.ModeDefault, false, now)
	l.SetMeanRevShortBlocked("BTCUSDT", true)
	l.SetAddGateOpen("BTCUSDT", false)

	snap := l.Snapshot("BTCUSDT")

	l2 := NewLayers(DefaultConfig())
	l2.Restore(snap)

	assert.Equal(t, l.LossStreakPenalty("BTCUSDT").String(), l2.LossStreakPenalty("BTCUSDT").String())
	assert.False(t, l2.AddAllowed("BTCUSDT"))
	assert.False(t, l2.MeanRevShortAllowed("BTCUSDT", "MeanReversion", domain.SideShort))
}
