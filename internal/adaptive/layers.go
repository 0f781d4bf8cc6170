// Package adaptive implements the five adaptive layers (§4.7) that scale
// position sizing down (never up) in response to recent performance and
// market health: a loss-streak penalty, a MeanReversion-SHORT protection
// gate, an ADD gate, a Health WARN gate, and a per-mode win-rate penalty.
//
// Grounded on risk/circuit_breaker.go's mutex-guarded counter/cooldown
// state machine, generalized from a binary trip/reset breaker to five
// independent continuous penalty sources combined by Combined().
package adaptive

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// FloorPenalty is the combined-penalty floor: sizing is never reduced
// below 55% of the base plan regardless of how many layers fire (§4.7
// invariant).
var FloorPenalty = decimal.NewFromFloat(0.55)

// Config bundles the adaptive layers' tunables.
type Config struct {
	LossStreakTripAt     int
	LossStreakPenaltyStep decimal.Decimal // subtracted from 1.0 once per loss, counting from the trip threshold
	LossStreakResetAfter time.Duration    // anti-paralysis: force-reset after this long regardless of wins

	ModeWinRateWindow int // trailing decision count per mode
	ModeWinRateFloor  decimal.Decimal
}

// DefaultConfig mirrors the documented §4.7 defaults.
func DefaultConfig() Config {
	return Config{
		LossStreakTripAt:      3,
		LossStreakPenaltyStep: decimal.NewFromFloat(0.15),
		LossStreakResetAfter:  6 * time.Hour,
		ModeWinRateWindow:     20,
		ModeWinRateFloor:      decimal.NewFromFloat(0.35),
	}
}

type symbolState struct {
	lossStreak   int
	lastLossAt   time.Time
	lastResetAt  time.Time

	meanRevShortBlocked bool

	addGateOpen bool

	healthWarn bool

	modeOutcomes map[domain.Mode][]bool // true = win, most-recent-last
}

func newSymbolState() *symbolState {
	return &symbolState{addGateOpen: true, modeOutcomes: make(map[domain.Mode][]bool)}
}

// Layers holds the in-process, per-symbol adaptive state (§9 "process-
// local caches"). A caller persists/restores state via Snapshot/Restore.
type Layers struct {
	mu    sync.Mutex
	cfg   Config
	state map[string]*symbolState
}

// NewLayers constructs the adaptive layer tracker.
func NewLayers(cfg Config) *Layers {
	return &Layers{cfg: cfg, state: make(map[string]*symbolState)}
}

func (l *Layers) stateFor(symbol string) *symbolState {
	st, ok := l.state[symbol]
	if !ok {
		st = newSymbolState()
		l.state[symbol] = st
	}
	return st
}

// RecordTradeOutcome updates the loss-streak counter and the mode
// win-rate history after a trade closes (§4.7 L1, L5).
func (l *Layers) RecordTradeOutcome(symbol string, mode domain.Mode, won bool, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(symbol)

	if won {
		if st.lossStreak > 0 {
			log.Info().Str("symbol", symbol).Int("prior_streak", st.lossStreak).
				Msg("loss streak reset by win")
		}
		st.lossStreak = 0
	} else {
		st.lossStreak++
		st.lastLossAt = now
	}

	hist := st.modeOutcomes[mode]
	hist = append(hist, won)
	if len(hist) > l.cfg.ModeWinRateWindow {
		hist = hist[len(hist)-l.cfg.ModeWinRateWindow:]
	}
	st.modeOutcomes[mode] = hist
}

// MaybeResetLossStreak implements the §4.7 "anti-paralysis" reset: a
// loss streak that has gone quiet (no new loss) for LossStreakResetAfter
// is cleared even without an intervening win, so one bad stretch can't
// permanently suppress sizing.
func (l *Layers) MaybeResetLossStreak(symbol string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(symbol)
	if st.lossStreak == 0 || st.lastLossAt.IsZero() {
		return
	}
	if now.Sub(st.lastLossAt) >= l.cfg.LossStreakResetAfter {
		log.Info().Str("symbol", symbol).Int("prior_streak", st.lossStreak).
			Dur("quiet_for", now.Sub(st.lastLossAt)).Msg("anti-paralysis loss-streak reset")
		st.lossStreak = 0
		st.lastResetAt = now
	}
}

// LossStreakPenalty returns L1: a multiplicative sizing penalty in
// (0, 1], 1.0 meaning no penalty, that steps down with every consecutive
// loss once the trip threshold is reached (§4.7 L1). Uses hysteresis:
// the penalty only tightens on new losses and only loosens via an
// explicit win or the anti-paralysis reset — never decays by itself.
func (l *Layers) LossStreakPenalty(symbol string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(symbol)
	if st.lossStreak < l.cfg.LossStreakTripAt {
		return decimal.NewFromInt(1)
	}
	beyond := st.lossStreak - l.cfg.LossStreakTripAt + 1
	penalty := decimal.NewFromInt(1).Sub(l.cfg.LossStreakPenaltyStep.Mul(decimal.NewFromInt(int64(beyond))))
	if penalty.LessThan(FloorPenalty) {
		penalty = FloorPenalty
	}
	return penalty
}

// SetMeanRevShortBlocked implements L2: MeanReversion-mode SHORT entries
// fail closed (blocked) whenever the upstream predictor flags the
// MeanRev-SHORT edge as unreliable; every other mode/side combination is
// unaffected (§4.7 L2, §8 "fail-closed for MeanRev SHORT specifically").
func (l *Layers) SetMeanRevShortBlocked(symbol string, blocked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateFor(symbol).meanRevShortBlocked = blocked
}

// MeanRevShortAllowed reports whether a MeanReversion-mode SHORT entry
// is currently permitted for symbol (§4.7 L2).
func (l *Layers) MeanRevShortAllowed(symbol, mode string, side domain.Side) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode != "MeanReversion" || side != domain.SideShort {
		return true
	}
	return !l.stateFor(symbol).meanRevShortBlocked
}

// SetAddGateOpen implements L3: a budget/volatility gate that can close
// ADD-stage pyramiding independent of loss streak (§4.7 L3).
func (l *Layers) SetAddGateOpen(symbol string, open bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateFor(symbol).addGateOpen = open
}

// AddAllowed reports whether ADD-stage pyramiding is currently open for
// symbol (§4.7 L3).
func (l *Layers) AddAllowed(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateFor(symbol).addGateOpen
}

// SetHealthWarn implements L4: an upstream venue/data-health WARN state
// that clamps all risk-increasing actions (§4.7 L4).
func (l *Layers) SetHealthWarn(symbol string, warn bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateFor(symbol).healthWarn = warn
}

// HealthWarnActive reports whether the health gate is currently tripped
// for symbol (§4.7 L4).
func (l *Layers) HealthWarnActive(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateFor(symbol).healthWarn
}

// ModeWinRatePenalty returns L5: a sizing multiplier derived from the
// trailing win rate of the given mode. It is FloorPenalty when that win
// rate is below ModeWinRateFloor, and 1 otherwise or when the mode has
// fewer than 5 recorded outcomes (§4.7 L5).
func (l *Layers) ModeWinRatePenalty(symbol string, mode domain.Mode) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(symbol)
	hist := st.modeOutcomes[mode]
	if len(hist) < 5 {
		return decimal.NewFromInt(1)
	}
	wins := 0
	for _, w := range hist {
		if w {
			wins++
		}
	}
	winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(hist))))
	if winRate.LessThan(l.cfg.ModeWinRateFloor) {
		return FloorPenalty
	}
	return decimal.NewFromInt(1)
}

// Combined folds L1 and L5 into the final sizing multiplier applied to a
// planned order: max(floor, L1 x L5), with L2/L3/L4 enforced separately
// as hard allow/deny gates rather than continuous multipliers (§4.7
// "combined penalty formula").
func (l *Layers) Combined(symbol string, mode domain.Mode) decimal.Decimal {
	l1 := l.LossStreakPenalty(symbol)
	l5 := l.ModeWinRatePenalty(symbol, mode)
	combined := l1.Mul(l5)
	if combined.LessThan(FloorPenalty) {
		combined = FloorPenalty
	}
	return combined
}

// PersistedState is the durable snapshot shape written to the DB KV
// store and mirrored to a local JSON backup (§9).
type PersistedState struct {
	Symbol              string `json:"symbol"`
	LossStreak          int    `json:"loss_streak"`
	LastLossAt          *time.Time `json:"last_loss_at,omitempty"`
	LastResetAt         *time.Time `json:"last_reset_at,omitempty"`
	MeanRevShortBlocked bool   `json:"mean_rev_short_blocked"`
	AddGateOpen         bool   `json:"add_gate_open"`
	HealthWarn          bool   `json:"health_warn"`
}

// Snapshot exports symbol's state for persistence.
func (l *Layers) Snapshot(symbol string) PersistedState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(symbol)
	out := PersistedState{
		Symbol: symbol, LossStreak: st.lossStreak,
		MeanRevShortBlocked: st.meanRevShortBlocked,
		AddGateOpen:         st.addGateOpen,
		HealthWarn:          st.healthWarn,
	}
	if !st.lastLossAt.IsZero() {
		t := st.lastLossAt
		out.LastLossAt = &t
	}
	if !st.lastResetAt.IsZero() {
		t := st.lastResetAt
		out.LastResetAt = &t
	}
	return out
}

// Restore reloads symbol's state from a previously-exported snapshot,
// used on process start to avoid re-learning the loss streak from zero
// (§9).
func (l *Layers) Restore(snap PersistedState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(snap.Symbol)
	st.lossStreak = snap.LossStreak
	st.meanRevShortBlocked = snap.MeanRevShortBlocked
	st.addGateOpen = snap.AddGateOpen
	st.healthWarn = snap.HealthWarn
	if snap.LastLossAt != nil {
		st.lastLossAt = *snap.LastLossAt
	}
	if snap.LastResetAt != nil {
		st.lastResetAt = *snap.LastResetAt
	}
}
