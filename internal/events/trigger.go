// Package events implements the Event Trigger / Event-Decision engine
// (§4.5, §4.6): a snapshot-driven classifier deciding when to escalate to
// deep analysis vs. a fast cautious path, with deduplication, cooldowns,
// and mode routing.
//
// Grounded on feeds/signals.go's armed/cooldown bookkeeping and
// risk/circuit_breaker.go's rolling-window pattern, generalized from
// Polymarket signal triggers to the five-trigger snapshot classifier of
// original_source/app/position_manager.py.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// Thresholds bundles the tiered price-spike thresholds, lowered under the
// event-decision feature flag (§4.5, §8 boundary case).
type Thresholds struct {
	PriceSpike1m  decimal.Decimal
	PriceSpike5m  decimal.Decimal
	PriceSpike15m decimal.Decimal
}

var normalThresholds = Thresholds{
	PriceSpike1m:  decimal.NewFromFloat(1.0),
	PriceSpike5m:  decimal.NewFromFloat(1.8),
	PriceSpike15m: decimal.NewFromFloat(3.0),
}

var loweredThresholds = Thresholds{
	PriceSpike1m:  decimal.NewFromFloat(0.5),
	PriceSpike5m:  decimal.NewFromFloat(1.0),
	PriceSpike15m: decimal.NewFromFloat(1.5),
}

// atrIncreaseRatio is the §4.5 atr_increase trigger threshold: ATR14 must
// jump at least 50% cycle-over-cycle to arm.
var atrIncreaseRatio = decimal.NewFromFloat(1.5)

// impulseVolumeRatio is the volume leg of the §4.5 impulse_spike trigger
// (a price_spike_1m-sized move on unusually heavy volume).
var impulseVolumeRatio = decimal.NewFromInt(3)

// extremeMoveThreshold is the §4.5 Emergency-class trigger: a 1-minute
// move this large (percent) marks the bundle ModeEmergency regardless of
// feature flags (§4.5 "e.g., whipsaw window exceeded, extreme score move").
var extremeMoveThreshold = decimal.NewFromFloat(5.0)

// Config bundles the trigger engine's tunables.
type Config struct {
	BundleWindow        time.Duration
	DedupWindow         time.Duration
	FFEventDecisionMode bool
	HoldRepeatN         int
	ConsecutiveHoldN    int
}

// DefaultConfig mirrors §4.5 documented defaults (bundle window 30s,
// dedup window 30min).
func DefaultConfig() Config {
	return Config{
		BundleWindow:     30 * time.Second,
		DedupWindow:      30 * time.Minute,
		HoldRepeatN:      3,
		ConsecutiveHoldN: 3,
	}
}

type edgeState struct {
	armed bool
}

// Engine holds the in-process edge/bundle/cooldown state (§9 "process-
// local caches").
type Engine struct {
	mu sync.Mutex

	cfg Config

	edges map[string]*edgeState

	bundleTriggers []domain.EventTrigger
	bundleStart    time.Time

	dedupSeen map[string]time.Time

	lastDecisionsByKey map[string][]domain.DecisionAction // for hold-repeat
	recentNonDedupHolds []bool                            // for consecutive-hold

	lastSide domain.Side
	prevATR  decimal.Decimal
}

// NewEngine constructs a trigger engine with process-local state.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:                cfg,
		edges:              make(map[string]*edgeState),
		dedupSeen:          make(map[string]time.Time),
		lastDecisionsByKey: make(map[string][]domain.DecisionAction),
	}
}

// ResetEdges clears all armed triggers; called on a detected side change
// (§4.2 step 4, §4.5 "A side-change in the position resets all edges").
func (e *Engine) ResetEdges() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.edges {
		st.armed = false
	}
	e.bundleTriggers = nil
}

// EventResult is what Evaluate returns for one cycle: the classified
// event bundle.
type EventResult struct {
	Bundle domain.EventBundle
}

// Evaluate runs edge detection over the trigger set, bundles rising
// edges within the configured window, and classifies the resulting
// bundle into a Mode + CallType (§4.5). now is the cycle's wall-clock
// time, injected for determinism in tests.
func (e *Engine) Evaluate(snap *domain.Snapshot, side domain.Side, now time.Time) EventResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if side != e.lastSide {
		e.lastSide = side
		for _, st := range e.edges {
			st.armed = false
		}
		e.bundleTriggers = nil
	}

	thresholds := normalThresholds
	if e.cfg.FFEventDecisionMode {
		thresholds = loweredThresholds
	}

	var fresh []domain.EventTrigger
	fresh = append(fresh, e.edgeCheck("price_spike_1m", snap.Ret1m.Abs().GreaterThanOrEqual(thresholds.PriceSpike1m), snap.Ret1m)...)
	fresh = append(fresh, e.edgeCheck("price_spike_5m", snap.Ret5m.Abs().GreaterThanOrEqual(thresholds.PriceSpike5m), snap.Ret5m)...)
	fresh = append(fresh, e.edgeCheck("price_spike_15m", snap.Ret15m.Abs().GreaterThanOrEqual(thresholds.PriceSpike15m), snap.Ret15m)...)
	fresh = append(fresh, e.edgeCheck("volume_spike", snap.VolumeRatio.GreaterThanOrEqual(decimal.NewFromInt(2)), snap.VolumeRatio)...)

	atrRatio := decimal.Zero
	atrArmed := false
	if e.prevATR.IsPositive() {
		atrRatio = snap.ATR14.Div(e.prevATR)
		atrArmed = atrRatio.GreaterThanOrEqual(atrIncreaseRatio)
	}
	fresh = append(fresh, e.edgeCheck("atr_increase", atrArmed, atrRatio)...)
	e.prevATR = snap.ATR14

	// extreme_move is the Emergency-class trigger (§4.5): always
	// evaluated, regardless of the event-decision feature flag.
	fresh = append(fresh, e.edgeCheckEmergency("extreme_move", snap.Ret1m.Abs().GreaterThanOrEqual(extremeMoveThreshold), snap.Ret1m)...)

	if e.cfg.FFEventDecisionMode {
		fresh = append(fresh, e.edgeCheck("liquidity_stress", !snap.SpreadOK || !snap.LiquidityOK, decimal.Zero)...)

		impulse := snap.Ret1m.Abs().GreaterThanOrEqual(thresholds.PriceSpike1m) && snap.VolumeRatio.GreaterThanOrEqual(impulseVolumeRatio)
		fresh = append(fresh, e.edgeCheck("impulse_spike", impulse, snap.Ret1m)...)

		rangeExtreme := false
		vp := snap.VolumeProfile
		if vp.VAH.IsPositive() && vp.VAL.IsPositive() {
			rangeExtreme = snap.Price.GreaterThanOrEqual(vp.VAH) || snap.Price.LessThanOrEqual(vp.VAL)
		}
		fresh = append(fresh, e.edgeCheck("range_position_extreme", rangeExtreme, snap.Price)...)
	}

	if len(fresh) == 0 && len(e.bundleTriggers) == 0 {
		return EventResult{Bundle: domain.EventBundle{Mode: domain.ModeDefault}}
	}

	if e.bundleStart.IsZero() {
		e.bundleStart = now
	}
	e.bundleTriggers = append(e.bundleTriggers, fresh...)

	bundleClosed := e.cfg.BundleWindow <= 0 || now.Sub(e.bundleStart) >= e.cfg.BundleWindow
	if !bundleClosed {
		return EventResult{Bundle: domain.EventBundle{Mode: domain.ModeDefault}}
	}

	triggers := e.bundleTriggers
	e.bundleTriggers = nil
	firstTs := e.bundleStart
	e.bundleStart = time.Time{}

	eventHash := hashTriggers(triggers)
	mode, callType := classify(triggers, e.cfg.FFEventDecisionMode)

	return EventResult{Bundle: domain.EventBundle{
		Triggers:  triggers,
		FirstTs:   firstTs,
		EventHash: eventHash,
		Mode:      mode,
		CallType:  callType,
	}}
}

// edgeCheck is rising-edge only: a trigger must return to "normal" before
// it can re-arm and fire again (§4.5, §8 invariant #7).
func (e *Engine) edgeCheck(name string, condition bool, value decimal.Decimal) []domain.EventTrigger {
	st, ok := e.edges[name]
	if !ok {
		st = &edgeState{}
		e.edges[name] = st
	}
	if condition && !st.armed {
		st.armed = true
		return []domain.EventTrigger{{Type: name, Value: value}}
	}
	if !condition {
		st.armed = false
	}
	return nil
}

// edgeCheckEmergency wraps edgeCheck, tagging any fresh trigger it
// returns as Emergency so classify() routes the bundle to ModeEmergency
// (§4.5) regardless of what else is in the bundle.
func (e *Engine) edgeCheckEmergency(name string, condition bool, value decimal.Decimal) []domain.EventTrigger {
	triggers := e.edgeCheck(name, condition, value)
	for i := range triggers {
		triggers[i].Emergency = true
	}
	return triggers
}

func classify(triggers []domain.EventTrigger, ffEventDecision bool) (domain.Mode, domain.CallType) {
	for _, t := range triggers {
		if t.Emergency {
			return domain.ModeEmergency, domain.CallEmergency
		}
	}
	hasPriceSpike := false
	for _, t := range triggers {
		switch t.Type {
		case "price_spike_1m", "price_spike_5m", "price_spike_15m":
			hasPriceSpike = true
		}
	}
	if hasPriceSpike && ffEventDecision {
		return domain.ModeEventDecision, domain.CallAutoEmergency
	}
	if len(triggers) > 0 {
		return domain.ModeEvent, domain.CallAuto
	}
	return domain.ModeDefault, ""
}

func hashTriggers(triggers []domain.EventTrigger) string {
	types := make([]string, 0, len(triggers))
	for _, t := range triggers {
		types = append(types, t.Type)
	}
	sort.Strings(types)
	h := sha256.New()
	for _, t := range types {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// DedupSuppressed reports whether eventHash was already seen within the
// dedup window, and records it as seen either way (§4.5 suppression #1).
func (e *Engine) DedupSuppressed(eventHash string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.dedupSeen[eventHash]
	e.dedupSeen[eventHash] = now
	// opportunistic cleanup
	for h, t := range e.dedupSeen {
		if now.Sub(t) > e.cfg.DedupWindow {
			delete(e.dedupSeen, h)
		}
	}
	return ok && now.Sub(last) < e.cfg.DedupWindow
}

// RecordDecision tracks the decision emitted for a given trigger-set/side
// key, feeding hold-repeat suppression (§4.5 suppression #2).
func (e *Engine) RecordDecision(key string, action domain.DecisionAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.lastDecisionsByKey[key]
	hist = append(hist, action)
	if len(hist) > e.cfg.HoldRepeatN {
		hist = hist[len(hist)-e.cfg.HoldRepeatN:]
	}
	e.lastDecisionsByKey[key] = hist

	e.recentNonDedupHolds = append(e.recentNonDedupHolds, action == domain.DecisionHold)
	if len(e.recentNonDedupHolds) > e.cfg.ConsecutiveHoldN {
		e.recentNonDedupHolds = e.recentNonDedupHolds[len(e.recentNonDedupHolds)-e.cfg.ConsecutiveHoldN:]
	}
}

// HoldRepeatSuppressed reports whether the last HoldRepeatN decisions for
// key were all HOLD (§4.5 suppression #2).
func (e *Engine) HoldRepeatSuppressed(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.lastDecisionsByKey[key]
	if len(hist) < e.cfg.HoldRepeatN {
		return false
	}
	for _, a := range hist {
		if a != domain.DecisionHold {
			return false
		}
	}
	return true
}

// ConsecutiveHoldSuppressed reports whether the last ConsecutiveHoldN
// non-dedup-suppressed calls all returned HOLD (§4.5 suppression #3).
func (e *Engine) ConsecutiveHoldSuppressed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recentNonDedupHolds) < e.cfg.ConsecutiveHoldN {
		return false
	}
	for _, h := range e.recentNonDedupHolds {
		if !h {
			return false
		}
	}
	return true
}

// TriggerSetKey builds the stable dedup key used by hold-repeat
// suppression: the sorted trigger-type set plus the position side.
func TriggerSetKey(triggers []domain.EventTrigger, side domain.Side) string {
	types := make([]string, 0, len(triggers))
	for _, t := range triggers {
		types = append(types, t.Type)
	}
	sort.Strings(types)
	h := fnv.New32a()
	for _, t := range types {
		h.Write([]byte(t))
	}
	return fmt.Sprintf("%s:%x", side, h.Sum32())
}
