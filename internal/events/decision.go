package events

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// §4.6 clamp ceilings.
var (
	maxReduceRatio      = decimal.NewFromFloat(0.70)
	maxReverseSizeRatio = decimal.NewFromFloat(0.30)
	maxHedgeSizeRatio   = decimal.NewFromFloat(0.30)
	maxFreezeMinutes    = 60
)

// DecisionInput bundles everything the event-decision engine (§4.6) needs
// to turn a provider verdict into a concrete execution_queue candidate.
type DecisionInput struct {
	Bundle   domain.EventBundle
	Position domain.PositionState
	Snapshot domain.Snapshot
	Verdict  ProviderVerdict

	FreezeLockActive bool
	ServerSideStopOK bool // false if the venue stop-loss order is missing/stale
}

// DecisionOutput is the event-decision engine's clamped verdict: the
// action the Position Manager should act on, plus the parameters needed
// to build an execution_queue row (internal/positionmanager/eventdecision.go
// owns the action-to-row mapping).
type DecisionOutput struct {
	Action           domain.EventDecisionAction
	ReduceRatio      decimal.Decimal
	ReverseSizeRatio decimal.Decimal
	HedgeSizeRatio   decimal.Decimal
	FreezeMinutes    int
	Confidence       decimal.Decimal
	Reason           string

	StopOrderRequired bool
	FallbackUsed      bool
}

// Decide implements the §4.6 safety-guard chain over a parsed provider
// verdict: freeze-lock and missing-stop checks short-circuit first, then
// the verdict's action is downgraded against position state and
// liquidity conditions, then its sizing parameters are clamped. Every
// branch is fail-closed: an unrecognized action, or an exit/hedge/reverse
// against a flat position, degrades to HOLD; a missing server-side stop,
// or a REVERSE/HEDGE under liquidity stress, escalates to HARD_EXIT.
// EMERGENCY-mode bundles
// never reach this function — the caller short-circuits those straight
// to a full close before invoking the deep-analysis provider at all.
func Decide(in DecisionInput) DecisionOutput {
	if in.FreezeLockActive {
		return DecisionOutput{Action: domain.EDAFreezeNewEntry, Reason: "freeze lock active"}
	}

	if !in.ServerSideStopOK {
		log.Warn().Str("symbol", in.Position.Symbol).Msg("server-side stop missing; forcing hard exit")
		return DecisionOutput{Action: domain.EDAHardExit, Reason: "server-side stop-loss missing or stale", StopOrderRequired: true}
	}

	v := in.Verdict
	action := v.Action
	if !action.Valid() {
		return DecisionOutput{Action: domain.EDAHold, Reason: "unrecognized provider action", FallbackUsed: true}
	}

	confidence := clampUnit(v.Confidence)

	exitHedgeReverse := action == domain.EDARiskOffReduce || action == domain.EDAHardExit ||
		action == domain.EDAReverse || action == domain.EDAHedge
	if in.Position.IsFlat() && exitHedgeReverse {
		return DecisionOutput{
			Action: domain.EDAHold, Reason: "no position to act on",
			Confidence: confidence, FallbackUsed: v.FallbackUsed,
		}
	}

	liquidityStress := !v.SafetyChecks.SpreadOK || !v.SafetyChecks.LiquidityOK
	if liquidityStress && (action == domain.EDAReverse || action == domain.EDAHedge) {
		log.Warn().Str("symbol", in.Position.Symbol).Str("original_action", string(action)).
			Msg("liquidity stress; downgrading to hard exit")
		action = domain.EDAHardExit
	}

	out := DecisionOutput{
		Action:            action,
		Confidence:        confidence,
		Reason:            v.ReasoningShort,
		StopOrderRequired: v.SafetyChecks.StopOrderRequired,
		FallbackUsed:      v.FallbackUsed,
	}

	switch action {
	case domain.EDARiskOffReduce:
		out.ReduceRatio = clampRatio(v.Params.ReduceRatio, maxReduceRatio)
	case domain.EDAReverse:
		out.ReverseSizeRatio = clampRatio(v.Params.ReverseSizeRatio, maxReverseSizeRatio)
	case domain.EDAHedge:
		out.HedgeSizeRatio = clampRatio(v.Params.HedgeSizeRatio, maxHedgeSizeRatio)
	case domain.EDAFreezeNewEntry:
		out.FreezeMinutes = clampMinutes(v.Params.FreezeMinutes, maxFreezeMinutes)
	}

	return out
}

// ClampReducePct enforces the §4.6 ceiling on a RISK_OFF_REDUCE ratio
// (expressed 0.0-1.0), regardless of where it was computed.
func ClampReducePct(ratio decimal.Decimal) decimal.Decimal {
	return clampRatio(ratio, maxReduceRatio)
}

func clampRatio(ratio, max decimal.Decimal) decimal.Decimal {
	if ratio.IsNegative() {
		return decimal.Zero
	}
	if ratio.GreaterThan(max) {
		return max
	}
	return ratio
}

func clampUnit(c decimal.Decimal) decimal.Decimal {
	if c.IsNegative() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if c.GreaterThan(one) {
		return one
	}
	return c
}

func clampMinutes(m, max int) int {
	if m < 0 {
		return 0
	}
	if m > max {
		return max
	}
	return m
}
