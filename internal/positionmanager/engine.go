package positionmanager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/adaptive"
	"github.com/btcperp/core/internal/compliance"
	"github.com/btcperp/core/internal/domain"
	"github.com/btcperp/core/internal/events"
	"github.com/btcperp/core/internal/exchange"
	"github.com/btcperp/core/internal/fsflags"
)

// SnapshotSource is implemented by whatever feeds market snapshots into
// the engine (an indicator pipeline, a cache, a feed daemon).
type SnapshotSource interface {
	Snapshot(symbol string) (domain.Snapshot, error)
}

// PositionStore is the subset of storage.Store the engine needs.
type PositionStore interface {
	GetPositionState(symbol string) (domain.PositionState, error)
	Enqueue(row domain.ExecutionQueueRow) (int64, error)
	HasDuplicatePending(symbol string, actionType domain.ActionType, since time.Time) (bool, error)
	LogDecision(symbol string, mode domain.Mode, callType domain.CallType, action, reason, eventHash string, snapshot any) error
}

// StopController is the subset of exchange.Client the event-decision path
// needs: reading whether a server-side stop is currently set, and
// placing/replacing one when §4.6's safety_checks.stop_order_required
// demands it.
type StopController interface {
	FetchPositions(symbol string) (*exchange.ExchangePosition, error)
	SetTradingStop(symbol string, stopPrice decimal.Decimal) error
}

// Notifier is the subset of telegram.Bot the engine needs to surface a
// failed server-side stop placement to the operator (§4.6, §7).
type Notifier interface {
	NotifyHardStopSetFailed(symbol, reason string)
}

// Engine is the Position Manager's adaptive control loop orchestrator
// (§4.2): Snapshot → EventTrigger → mode routing → Decide → safety
// checks → enqueue, with a sleep period that tightens under an active
// event bundle and relaxes back to the default cadence otherwise.
type Engine struct {
	mu sync.RWMutex

	symbol string

	store      PositionStore
	snapshots  SnapshotSource
	triggers   *events.Engine
	compliance *compliance.Layer
	layers     *adaptive.Layers
	exchange   StopController
	provider   events.DeepAnalysisProvider
	notifier   Notifier

	running bool
	stopCh  chan struct{}

	sleepFast   time.Duration
	sleepNormal time.Duration
	sleepSlow   time.Duration

	killSwitchPath string
	pausedFlagPath string

	freezeUntil time.Time
}

// Config bundles the engine's construction-time dependencies.
type Config struct {
	Symbol string

	Store      PositionStore
	Snapshots  SnapshotSource
	Triggers   *events.Engine
	Compliance *compliance.Layer
	Layers     *adaptive.Layers
	Exchange   StopController
	Provider   events.DeepAnalysisProvider
	Notifier   Notifier

	SleepFast   time.Duration
	SleepNormal time.Duration
	SleepSlow   time.Duration

	KillSwitchPath string
	PausedFlagPath string
}

// NewEngine constructs a Position Manager engine for one symbol.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		symbol: cfg.Symbol, store: cfg.Store, snapshots: cfg.Snapshots,
		triggers: cfg.Triggers, compliance: cfg.Compliance, layers: cfg.Layers,
		exchange: cfg.Exchange, provider: cfg.Provider, notifier: cfg.Notifier,
		stopCh:         make(chan struct{}),
		sleepFast:      cfg.SleepFast,
		sleepNormal:    cfg.SleepNormal,
		sleepSlow:      cfg.SleepSlow,
		killSwitchPath: cfg.KillSwitchPath,
		pausedFlagPath: cfg.PausedFlagPath,
	}
}

// Start runs the adaptive loop until ctx is canceled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	log.Info().Str("symbol", e.symbol).Msg("position manager engine started")

	sleep := e.sleepNormal
	timer := time.NewTimer(sleep)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return
		case <-e.stopCh:
			return
		case <-timer.C:
			nextTier := e.runCycle(ctx, time.Now())
			sleep = e.sleepFor(nextTier)
			timer.Reset(sleep)
		}
	}
}

// Stop halts the adaptive loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
}

func (e *Engine) sleepFor(tier domain.SleepTier) time.Duration {
	switch tier {
	case domain.SleepFast:
		return e.sleepFast
	case domain.SleepSlow:
		return e.sleepSlow
	default:
		return e.sleepNormal
	}
}

// runCycle executes one iteration of the §4.2 eleven-step loop and
// returns the sleep tier the next cycle should use. Step 7's mode branch
// (§4.2, §4.5) routes EMERGENCY straight to a forced full close,
// EVENT_DECISION to the deep-analysis path, EVENT through the three-stage
// suppression chain before the deterministic engine, and DEFAULT
// straight to the deterministic engine.
func (e *Engine) runCycle(ctx context.Context, now time.Time) domain.SleepTier {
	if fsflags.KillSwitch(e.killSwitchPath) {
		log.Warn().Str("symbol", e.symbol).Msg("kill switch engaged; skipping cycle")
		return domain.SleepSlow
	}
	if fsflags.Paused(e.pausedFlagPath) {
		return domain.SleepSlow
	}

	pos, err := e.store.GetPositionState(e.symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", e.symbol).Msg("failed to load position state")
		return domain.SleepNormal
	}

	snap, err := e.snapshots.Snapshot(e.symbol)
	if err != nil || !snap.Valid() {
		log.Warn().Err(err).Str("symbol", e.symbol).Msg("invalid or missing snapshot; holding")
		return domain.SleepNormal
	}

	if pos.IsFlat() {
		e.triggers.ResetEdges()
		return domain.SleepSlow
	}

	result := e.triggers.Evaluate(&snap, pos.Side, now)

	tier := domain.SleepNormal
	if result.Bundle.Mode != domain.ModeDefault {
		tier = domain.SleepFast
	}

	switch result.Bundle.Mode {
	case domain.ModeEmergency:
		return e.runEmergency(pos, snap, result.Bundle, now, tier)

	case domain.ModeEventDecision:
		return e.runEventDecision(ctx, pos, snap, result.Bundle, now, tier)

	case domain.ModeEvent:
		// §4.5 suppression chain applies only in EVENT mode: dedup, then
		// hold-repeat, then consecutive-hold.
		if e.triggers.DedupSuppressed(result.Bundle.EventHash, now) {
			return tier
		}
		key := events.TriggerSetKey(result.Bundle.Triggers, pos.Side)
		if e.triggers.HoldRepeatSuppressed(key) {
			return tier
		}
		if e.triggers.ConsecutiveHoldSuppressed() {
			return tier
		}
		return e.runDeterministic(pos, snap, result.Bundle, now, tier)

	default:
		return e.runDeterministic(pos, snap, result.Bundle, now, tier)
	}
}

// runDeterministic runs the §4.2.1 deterministic decision engine: DEFAULT
// mode always takes this path, EVENT mode takes it once it survives the
// suppression chain.
func (e *Engine) runDeterministic(pos domain.PositionState, snap domain.Snapshot, bundle domain.EventBundle, now time.Time, tier domain.SleepTier) domain.SleepTier {
	ctx := DecisionContext{
		Position:            pos,
		Snapshot:            snap,
		StopLossPct:         decimal.Zero,
		ReversalEnabled:     true,
		AddAllowed:          e.layers.AddAllowed(e.symbol) && !e.layers.HealthWarnActive(e.symbol),
		MeanRevShortAllowed: e.layers.MeanRevShortAllowed(e.symbol, "MeanReversion", domain.SideShort),
		Regime:              snap.Regime,
	}

	decision := Decide(ctx)

	key := events.TriggerSetKey(bundle.Triggers, pos.Side)
	e.triggers.RecordDecision(key, decision.Action)

	_ = e.store.LogDecision(e.symbol, bundle.Mode, domain.CallAuto,
		string(decision.Action), decision.Reason, bundle.EventHash, snap)

	if decision.Action == domain.DecisionHold {
		return tier
	}

	built := Build(e.symbol, decision, pos, e.minQty(), "position_manager", now)
	return e.enqueueBuilt(built, now, tier)
}

// runEmergency forces an immediate full close (§4.5 "EMERGENCY-class
// trigger ... always uses priority ≤ 2"), bypassing both decision
// engines entirely — an emergency trigger is never a candidate for
// debate, only for exit.
func (e *Engine) runEmergency(pos domain.PositionState, snap domain.Snapshot, bundle domain.EventBundle, now time.Time, tier domain.SleepTier) domain.SleepTier {
	log.Warn().Str("symbol", e.symbol).Msg("emergency trigger; forcing full close")

	_ = e.store.LogDecision(e.symbol, bundle.Mode, domain.CallEmergency,
		string(domain.DecisionClose), "emergency trigger", bundle.EventHash, snap)

	decision := Decision{Action: domain.DecisionClose, Reason: "emergency trigger"}
	built := Build(e.symbol, decision, pos, e.minQty(), "position_manager_emergency", now)
	tier = e.enqueueBuilt(built, now, tier)
	e.exitCleanup()
	return tier
}

// runEventDecision runs the §4.6 deep-analysis path: call the provider,
// clamp its verdict through events.Decide, enforce the server-side-stop
// requirement, map the clamped action to execution_queue row(s), and run
// exit cleanup when the outcome actually closed the position out.
func (e *Engine) runEventDecision(ctx context.Context, pos domain.PositionState, snap domain.Snapshot, bundle domain.EventBundle, now time.Time, tier domain.SleepTier) domain.SleepTier {
	verdict := events.ProviderVerdict{Action: domain.EDAHold, FallbackUsed: true, ReasoningShort: "no deep analysis provider configured"}
	if e.provider != nil {
		v, err := e.provider.Analyze(ctx, e.symbol, snap, bundle, pos)
		if err != nil {
			log.Warn().Err(err).Str("symbol", e.symbol).Msg("deep analysis provider call failed; holding")
		} else {
			verdict = v
		}
	}

	serverStopOK := true
	if e.exchange != nil {
		exPos, err := e.exchange.FetchPositions(e.symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", e.symbol).Msg("failed to read exchange position for stop check")
			serverStopOK = false
		} else {
			serverStopOK = exPos.HasServerSideStop()
		}
	}

	out := events.Decide(events.DecisionInput{
		Bundle:           bundle,
		Position:         pos,
		Snapshot:         snap,
		Verdict:          verdict,
		FreezeLockActive: now.Before(e.freezeUntil),
		ServerSideStopOK: serverStopOK,
	})

	_ = e.store.LogDecision(e.symbol, bundle.Mode, domain.CallAutoEmergency,
		string(out.Action), out.Reason, bundle.EventHash, snap)

	if out.Action == domain.EDAFreezeNewEntry {
		e.freezeUntil = now.Add(time.Duration(out.FreezeMinutes) * time.Minute)
	}

	if out.StopOrderRequired && e.exchange != nil {
		if err := e.exchange.SetTradingStop(e.symbol, snap.Price); err != nil {
			log.Error().Err(err).Str("symbol", e.symbol).Msg("HARD STOP SET FAILED")
			if e.notifier != nil {
				e.notifier.NotifyHardStopSetFailed(e.symbol, err.Error())
			}
		}
	}

	built := BuildEventDecision(e.symbol, out, pos, e.minQty(), "position_manager_event_decision", now)
	tier = e.enqueueBuilt(built, now, tier)

	fullyClosed := !built.Dropped && len(built.Rows) == 1 && built.Rows[0].ActionType == domain.ActionFullClose
	if out.Action == domain.EDAHardExit || (out.Action == domain.EDARiskOffReduce && fullyClosed) {
		e.exitCleanup()
	}

	return tier
}

// exitCleanup runs after a position has actually been closed out by the
// event-decision path (§4.6 "exit cleanup"): reset the trigger engine's
// armed edges and release any active freeze lock, mirroring the reset
// already applied on a detected side change.
func (e *Engine) exitCleanup() {
	e.triggers.ResetEdges()
	e.freezeUntil = time.Time{}
}

// minQty loads the symbol's venue minimum order size from the compliance
// layer's cached market info, used by the reduce-to-FULL_CLOSE upgrade
// rule (§4.2.2, §8). Returns decimal.Zero (disabling the upgrade check
// for this cycle) when it cannot be loaded.
func (e *Engine) minQty() decimal.Decimal {
	if e.compliance == nil {
		return decimal.Zero
	}
	info, err := e.compliance.MarketInfo(e.symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", e.symbol).Msg("failed to load market info for minQty check")
		return decimal.Zero
	}
	return info.MinQty
}

// enqueueBuilt runs the shared §4.2.2 pre-checks and dedup-enqueue
// pipeline over a BuildResult, regardless of which decision path built
// it.
func (e *Engine) enqueueBuilt(built BuildResult, now time.Time, tier domain.SleepTier) domain.SleepTier {
	if built.Dropped {
		return tier
	}

	rows := make([]domain.ExecutionQueueRow, 0, len(built.Rows))
	for _, row := range built.Rows {
		if row.TargetQty != nil {
			allowed, reason := e.compliance.CheckProtectionModeForAction(e.symbol, row.ActionType, now)
			if !allowed {
				log.Warn().Str("symbol", e.symbol).Str("action_type", string(row.ActionType)).
					Str("reason", reason).Msg("enqueue blocked by protection mode")
				continue
			}
		}
		rows = append(rows, row)
	}

	ids, err := DedupAndEnqueue(dedupAdapter{e.store}, e.store.Enqueue, rows, now)
	if err != nil {
		log.Error().Err(err).Str("symbol", e.symbol).Msg("failed to enqueue execution_queue rows")
		return tier
	}
	if len(ids) > 0 {
		log.Info().Str("symbol", e.symbol).Ints64("queue_ids", ids).Msg("execution_queue rows enqueued")
	}

	return tier
}

type dedupAdapter struct{ s PositionStore }

func (d dedupAdapter) HasDuplicatePending(symbol string, actionType domain.ActionType, since time.Time) (bool, error) {
	return d.s.HasDuplicatePending(symbol, actionType, since)
}
