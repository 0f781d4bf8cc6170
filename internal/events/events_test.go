package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcperp/core/internal/domain"
)

func snap(ret1m string) *domain.Snapshot {
	return &domain.Snapshot{
		Price:       decimal.NewFromInt(60000),
		Ret1m:       decimal.RequireFromString(ret1m),
		Ret5m:       decimal.Zero,
		Ret15m:      decimal.Zero,
		VolumeRatio: decimal.NewFromFloat(1.0),
		RSI14:       decimal.NewFromFloat(50),
		ATR14:       decimal.NewFromFloat(100),
		SpreadOK:    true,
		LiquidityOK: true,
	}
}

func TestEvaluate_RisingEdgeOnly(t *testing.T) {
	e := NewEngine(DefaultConfig())
	now := time.Now()

	r1 := e.Evaluate(snap("1.5"), domain.SideLong, now)
	now = now.Add(35 * time.Second)
	r1 = e.Evaluate(snap("1.5"), domain.SideLong, now)
	require.Len(t, r1.Bundle.Triggers, 1)
	assert.Equal(t, domain.ModeEvent, r1.Bundle.Mode)

	now = now.Add(1 * time.Second)
	r2 := e.Evaluate(snap("1.5"), domain.SideLong, now)
	assert.Equal(t, domain.ModeDefault, r2.Bundle.Mode)

	now = now.Add(1 * time.Second)
	r3 := e.Evaluate(snap("0.1"), domain.SideLong, now)
	assert.Equal(t, domain.ModeDefault, r3.Bundle.Mode)

	now = now.Add(1 * time.Second)
	r4 := e.Evaluate(snap("1.5"), domain.SideLong, now)
	now = now.Add(35 * time.Second)
	r4 = e.Evaluate(snap("1.5"), domain.SideLong, now)
	assert.Equal(t, domain.ModeEvent, r4.Bundle.Mode)
}

func TestEvaluate_SideChangeResetsEdges(t *testing.T) {
	e := NewEngine(DefaultConfig())
	now := time.Now()
	e.Evaluate(snap("1.5"), domain.SideLong, now)
	now = now.Add(31 * time.Second)
	r1 := e.Evaluate(snap("1.5"), domain.SideLong, now)
	require.Len(t, r1.Bundle.Triggers, 1)

	e.Evaluate(snap("1.5"), domain.SideShort, now.Add(time.Second))
	now = now.Add(32 * time.Second)
	r2 := e.Evaluate(snap("1.5"), domain.SideShort, now)
	require.Len(t, r2.Bundle.Triggers, 1, "edge should re-arm after side flip")
}

func TestDedupSuppressed(t *testing.T) {
	e := NewEngine(DefaultConfig())
	now := time.Now()
	assert.False(t, e.DedupSuppressed("hash1", now))
	assert.True(t, e.DedupSuppressed("hash1", now.Add(time.Minute)))
	assert.False(t, e.DedupSuppressed("hash1", now.Add(31*time.Minute)))
}

func TestHoldRepeatSuppressed(t *testing.T) {
	e := NewEngine(DefaultConfig())
	key := "long:abc"
	e.RecordDecision(key, domain.DecisionHold)
	e.RecordDecision(key, domain.DecisionHold)
	assert.False(t, e.HoldRepeatSuppressed(key))
	e.RecordDecision(key, domain.DecisionHold)
	assert.True(t, e.HoldRepeatSuppressed(key))
	e.RecordDecision(key, domain.DecisionAdd)
	assert.False(t, e.HoldRepeatSuppressed(key))
}

func TestConsecutiveHoldSuppressed(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.RecordDecision("k1", domain.DecisionHold)
	e.RecordDecision("k2", domain.DecisionHold)
	assert.False(t, e.ConsecutiveHoldSuppressed())
	e.RecordDecision("k3", domain.DecisionHold)
	assert.True(t, e.ConsecutiveHoldSuppressed())
	e.RecordDecision("k4", domain.DecisionAdd)
	assert.False(t, e.ConsecutiveHoldSuppressed())
}

func TestEvaluate_EmergencyTriggerSetsEmergencyMode(t *testing.T) {
	e := NewEngine(DefaultConfig())
	now := time.Now()
	s := snap("6.0") // extreme 1m move past the emergency threshold
	e.Evaluate(s, domain.SideLong, now)
	now = now.Add(31 * time.Second)
	r := e.Evaluate(s, domain.SideLong, now)
	require.NotEmpty(t, r.Bundle.Triggers)
	assert.Equal(t, domain.ModeEmergency, r.Bundle.Mode)
}

func basicVerdict(action domain.EventDecisionAction) ProviderVerdict {
	return ProviderVerdict{
		Action:       action,
		Confidence:   decimal.NewFromFloat(0.8),
		SafetyChecks: SafetyChecks{SpreadOK: true, LiquidityOK: true},
	}
}

func TestDecide_FreezeLockWins(t *testing.T) {
	out := Decide(DecisionInput{
		FreezeLockActive: true,
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: true,
		Verdict:          basicVerdict(domain.EDAHold),
	})
	assert.Equal(t, domain.EDAFreezeNewEntry, out.Action)
}

func TestDecide_MissingServerStopForcesHardExit(t *testing.T) {
	out := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: false,
		Verdict:          basicVerdict(domain.EDAHold),
	})
	assert.Equal(t, domain.EDAHardExit, out.Action)
}

func TestDecide_NoPositionForcesHoldOnExitAction(t *testing.T) {
	out := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideFlat},
		ServerSideStopOK: true,
		Verdict:          basicVerdict(domain.EDAHardExit),
	})
	assert.Equal(t, domain.EDAHold, out.Action)
}

func TestDecide_LiquidityStressDowngradesReverseToHardExit(t *testing.T) {
	v := basicVerdict(domain.EDAReverse)
	v.SafetyChecks.SpreadOK = false
	v.Params.ReverseSizeRatio = decimal.NewFromFloat(0.2)
	out := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: true,
		Verdict:          v,
	})
	assert.Equal(t, domain.EDAHardExit, out.Action)
}

func TestDecide_LiquidityStressDowngradesHedgeToHardExit(t *testing.T) {
	v := basicVerdict(domain.EDAHedge)
	v.SafetyChecks.LiquidityOK = false
	out := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: true,
		Verdict:          v,
	})
	assert.Equal(t, domain.EDAHardExit, out.Action)
}

func TestDecide_LiquidityStressStillAllowsRiskOffReduce(t *testing.T) {
	v := basicVerdict(domain.EDARiskOffReduce)
	v.SafetyChecks.SpreadOK = false
	v.Params.ReduceRatio = decimal.NewFromFloat(0.4)
	out := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: true,
		Verdict:          v,
	})
	assert.Equal(t, domain.EDARiskOffReduce, out.Action)
}

func TestDecide_ClampsReduceRatioAndReverseRatio(t *testing.T) {
	v := basicVerdict(domain.EDARiskOffReduce)
	v.Params.ReduceRatio = decimal.NewFromFloat(0.95)
	out := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: true,
		Verdict:          v,
	})
	assert.True(t, out.ReduceRatio.Equal(maxReduceRatio))

	v2 := basicVerdict(domain.EDAReverse)
	v2.Params.ReverseSizeRatio = decimal.NewFromFloat(0.9)
	out2 := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: true,
		Verdict:          v2,
	})
	assert.True(t, out2.ReverseSizeRatio.Equal(maxReverseSizeRatio))
}

func TestDecide_UnrecognizedActionHolds(t *testing.T) {
	out := Decide(DecisionInput{
		Position:         domain.PositionState{Side: domain.SideLong, TotalQty: decimal.NewFromInt(1)},
		ServerSideStopOK: true,
		Verdict:          ProviderVerdict{Action: domain.EventDecisionAction("BOGUS")},
	})
	assert.Equal(t, domain.EDAHold, out.Action)
	assert.True(t, out.FallbackUsed)
}

func TestClampReducePct(t *testing.T) {
	assert.True(t, ClampReducePct(decimal.NewFromFloat(0.90)).Equal(maxReduceRatio))
	assert.True(t, ClampReducePct(decimal.NewFromFloat(-0.05)).IsZero())
}

func TestParseVerdictJSON_FallsBackOnMalformedText(t *testing.T) {
	v := parseVerdictJSON("not json at all")
	assert.Equal(t, domain.EDAHold, v.Action)
	assert.True(t, v.FallbackUsed)
}

func TestParseVerdictJSON_ParsesWellFormedVerdict(t *testing.T) {
	text := `{"event_class":"liquidity","confidence":0.7,"action":"RISK_OFF_REDUCE","params":{"reduce_ratio":0.4},"reasoning_short":"stress","safety_checks":{"spread_ok":false,"liquidity_ok":true,"stop_order_required":true}}`
	v := parseVerdictJSON(text)
	require.Equal(t, domain.EDARiskOffReduce, v.Action)
	assert.True(t, v.Params.ReduceRatio.Equal(decimal.NewFromFloat(0.4)))
	assert.False(t, v.SafetyChecks.SpreadOK)
	assert.True(t, v.SafetyChecks.StopOrderRequired)
	assert.False(t, v.FallbackUsed)
}
