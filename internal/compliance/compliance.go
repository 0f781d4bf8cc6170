// Package compliance implements the Exchange Compliance Layer (§4.1): a
// synchronous pre-order validator and post-error classifier enforcing
// venue-specific rules with auto-correction and a consecutive-error
// circuit breaker ("protection mode").
//
// Grounded on the teacher's risk/circuit_breaker.go (rolling-window trip
// state) and risk/gate.go (central approve/deny gate), generalized from
// Polymarket share-sizing rules to perpetual-futures venue rules per
// original_source/app/exchange_compliance.py.
package compliance

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/btcperp/core/internal/domain"
)

// OrderParams is the order the ECL is asked to approve.
type OrderParams struct {
	Symbol     string
	ActionType domain.ActionType
	Direction  domain.Direction
	Qty        decimal.Decimal
	Price      decimal.Decimal // zero means "unknown" (market order pre-check)
	ReduceOnly bool
}

// RejectReason is a closed set of pre-order denial causes.
type RejectReason string

const (
	RejectNone               RejectReason = ""
	RejectRateLimited        RejectReason = "rate_limited"
	RejectConsecutiveBlock   RejectReason = "consecutive_error_block"
	RejectMinQty             RejectReason = "min_qty"
	RejectMinNotional        RejectReason = "min_notional"
	RejectReduceOnlyTooSmall RejectReason = "reduce_only_below_min_qty"
	RejectProtectionMode     RejectReason = "protection_mode"
)

// ComplianceResult is the ECL's validate() verdict.
type ComplianceResult struct {
	Approved       bool
	CorrectedQty   decimal.Decimal
	CorrectedPrice decimal.Decimal
	RejectReason   RejectReason
	SuggestedFix   string
	MarketsVersion int64
	MarketsHash    string
}

// MarketInfoSource supplies the current market rules, refreshed on a TTL
// and force-refreshed on specific error codes (§4.1).
type MarketInfoSource interface {
	Get(symbol string) (domain.MarketInfo, error)
	ForceRefresh(symbol string) (domain.MarketInfo, error)
}

// PositionQtySource reports the live position quantity used for
// reduce-only capping.
type PositionQtySource interface {
	PositionQty(symbol string) decimal.Decimal
}

type symbolState struct {
	lastOrderAt          time.Time
	consecutiveErrors    int
	blockedUntil         time.Time
	protectionErrorTimes []time.Time
	protectionUntil      time.Time
}

// Layer is the Exchange Compliance Layer.
type Layer struct {
	mu sync.Mutex

	markets   MarketInfoSource
	positions PositionQtySource

	rateLimit                 time.Duration
	consecutiveErrorThreshold int
	consecutiveErrorBlockSec  time.Duration
	protectionWindow          time.Duration
	protectionThreshold       int
	protectionDuration        time.Duration

	symbols map[string]*symbolState
}

// Config bundles the ECL's tunables (§4.1 defaults).
type Config struct {
	RateLimitSec              time.Duration
	ConsecutiveErrorThreshold int
	ConsecutiveErrorBlockSec  time.Duration
	ProtectionModeWindowSec   time.Duration
	ProtectionModeThreshold   int
	ProtectionModeDurationSec time.Duration
}

// DefaultConfig returns the §4.1 documented defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitSec:              1 * time.Second,
		ConsecutiveErrorThreshold: 3,
		ConsecutiveErrorBlockSec:  300 * time.Second,
		ProtectionModeWindowSec:   120 * time.Second,
		ProtectionModeThreshold:   3,
		ProtectionModeDurationSec: 300 * time.Second,
	}
}

// New builds an ECL instance.
func New(markets MarketInfoSource, positions PositionQtySource, cfg Config) *Layer {
	return &Layer{
		markets:                   markets,
		positions:                 positions,
		rateLimit:                 cfg.RateLimitSec,
		consecutiveErrorThreshold: cfg.ConsecutiveErrorThreshold,
		consecutiveErrorBlockSec:  cfg.ConsecutiveErrorBlockSec,
		protectionWindow:          cfg.ProtectionModeWindowSec,
		protectionThreshold:       cfg.ProtectionModeThreshold,
		protectionDuration:        cfg.ProtectionModeDurationSec,
		symbols:                   make(map[string]*symbolState),
	}
}

func (l *Layer) state(symbol string) *symbolState {
	st, ok := l.symbols[symbol]
	if !ok {
		st = &symbolState{}
		l.symbols[symbol] = st
	}
	return st
}

// Validate runs the §4.1 pre-order validation pipeline in order,
// short-circuiting on the first denial.
func (l *Layer) Validate(order OrderParams, now time.Time) ComplianceResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(order.Symbol)

	// 1. rate limit
	if !st.lastOrderAt.IsZero() && now.Sub(st.lastOrderAt) < l.rateLimit {
		return l.deny(order.Symbol, RejectRateLimited, "주문 빈도가 너무 높습니다. 잠시 후 재시도하세요")
	}

	// 2. consecutive-error block
	if now.Before(st.blockedUntil) {
		remaining := st.blockedUntil.Sub(now)
		return l.deny(order.Symbol, RejectConsecutiveBlock,
			fmt.Sprintf("연속 오류로 자동 차단(auto-blocked) 상태입니다. %.0f초 후 해제됩니다", remaining.Seconds()))
	}

	market, err := l.markets.Get(order.Symbol)
	if err != nil {
		return l.deny(order.Symbol, RejectConsecutiveBlock, "시장 정보를 가져올 수 없습니다")
	}

	// 3. step-size alignment (correction, not denial)
	qty := AlignQty(order.Qty, market.StepSize)

	// 4. minimum quantity
	if qty.LessThan(market.MinQty) {
		return l.approveReject(order.Symbol, market, RejectMinQty, "최소 주문 수량 미달입니다. minQty 이상으로 주문하세요")
	}

	// 5. minimum notional (when price known)
	price := order.Price
	if !price.IsZero() {
		notional := qty.Mul(price)
		if notional.LessThan(market.MinNotional) {
			return l.approveReject(order.Symbol, market, RejectMinNotional, "최소 주문 금액(minNotional) 미달입니다")
		}
	}

	// 6. tick-size alignment (correction)
	if !price.IsZero() {
		price = AlignPrice(price, market.TickSize)
	}

	// 7. reduce-only integrity
	if order.ReduceOnly {
		posQty := l.positions.PositionQty(order.Symbol)
		if qty.GreaterThan(posQty) {
			qty = AlignQty(posQty, market.StepSize)
			if qty.LessThan(market.MinQty) {
				return l.approveReject(order.Symbol, market, RejectReduceOnlyTooSmall,
					"reduce-only 조정 후 수량이 최소 수량 미달입니다")
			}
		}
	}

	st.lastOrderAt = now
	return ComplianceResult{
		Approved:       true,
		CorrectedQty:   qty,
		CorrectedPrice: price,
		MarketsVersion: market.MarketsVersion,
		MarketsHash:    market.MarketsHash,
	}
}

func (l *Layer) deny(symbol string, reason RejectReason, fix string) ComplianceResult {
	log.Warn().Str("symbol", symbol).Str("reject_reason", string(reason)).Msg("ECL denied order pre-validation")
	return ComplianceResult{Approved: false, RejectReason: reason, SuggestedFix: fix}
}

func (l *Layer) approveReject(symbol string, market domain.MarketInfo, reason RejectReason, fix string) ComplianceResult {
	log.Warn().Str("symbol", symbol).Str("reject_reason", string(reason)).
		Int64("markets_version", market.MarketsVersion).Str("markets_hash", market.MarketsHash).
		Msg("ECL denied order pre-validation")
	return ComplianceResult{
		Approved:       false,
		RejectReason:   reason,
		SuggestedFix:   fix,
		MarketsVersion: market.MarketsVersion,
		MarketsHash:    market.MarketsHash,
	}
}

// RecordError increments the per-symbol consecutive-error counter and
// feeds the rolling protection-mode window (§4.1). Also, when code is in
// ForceRefreshCodes, forces a market-info refresh for the next attempt.
func (l *Layer) RecordError(symbol string, code int, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(symbol)
	st.consecutiveErrors++
	if st.consecutiveErrors >= l.consecutiveErrorThreshold {
		st.blockedUntil = now.Add(l.consecutiveErrorBlockSec)
		log.Warn().Str("symbol", symbol).Int("consecutive_errors", st.consecutiveErrors).
			Dur("block_duration", l.consecutiveErrorBlockSec).Msg("consecutive-error auto-block engaged")
	}

	st.protectionErrorTimes = appendWithinWindow(st.protectionErrorTimes, now, l.protectionWindow)
	if len(st.protectionErrorTimes) >= l.protectionThreshold {
		st.protectionUntil = now.Add(l.protectionDuration)
		log.Warn().Str("symbol", symbol).Int("errors_in_window", len(st.protectionErrorTimes)).
			Msg("🛡 protection mode activated")
	}

	if ForceRefreshCodes[code] {
		if _, err := l.markets.ForceRefresh(symbol); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("forced market-info refresh failed")
		}
	}
}

// RecordSuccess resets the consecutive-error counter. Any success resets
// it (§4.1); it has no effect on the independent protection-mode window.
func (l *Layer) RecordSuccess(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(symbol)
	st.consecutiveErrors = 0
	st.blockedUntil = time.Time{}
}

// CheckProtectionModeForAction is the only interface an executor
// consults before risk-increasing actions (§4.1): while protection mode
// is active, OPEN and ADD are blocked, risk-reducing actions are allowed.
func (l *Layer) CheckProtectionModeForAction(symbol string, action domain.ActionType, now time.Time) (allowed bool, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(symbol)
	if now.Before(st.protectionUntil) {
		if action.RiskIncreasing() {
			remaining := st.protectionUntil.Sub(now)
			return false, fmt.Sprintf("보호 모드(protection mode) 활성 중입니다. %.0f초 후 해제됩니다", remaining.Seconds())
		}
	}
	return true, ""
}

// MarketInfo exposes the current cached market rules for symbol so
// callers outside the ECL (e.g. the Position Manager's enqueue sizing)
// can read the venue's MinQty without duplicating the refresh logic.
func (l *Layer) MarketInfo(symbol string) (domain.MarketInfo, error) {
	return l.markets.Get(symbol)
}

// ProtectionStatus reports the current protection-mode window state for
// symbol, used by the Command Dispatcher's /health and /audit reports
// (§4.8) to list recent error frequencies and time until auto-release.
func (l *Layer) ProtectionStatus(symbol string, now time.Time) (active bool, errorsInWindow int, releaseAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(symbol)
	return now.Before(st.protectionUntil), len(st.protectionErrorTimes), st.protectionUntil
}

func appendWithinWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return append(kept, now)
}
