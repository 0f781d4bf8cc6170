package dispatcher

import (
	"fmt"
	"time"

	"github.com/btcperp/core/internal/domain"
)

// LocalStore is the subset of storage.Store the local query handlers
// need (§4.8 step 3: a table of pure-read handlers).
type LocalStore interface {
	GetPositionState(symbol string) (domain.PositionState, error)
	TradingEnabled(symbol string) (bool, error)
}

// SnapshotReader supplies the latest market snapshot for a symbol.
type SnapshotReader interface {
	Snapshot(symbol string) (domain.Snapshot, error)
}

// localHandler is one entry in the pure-read query table.
type localHandler func(d *Dispatcher, args string) string

// localHandlers is the closed table of query types the LLM classifier
// may route to (§4.8 step 3). Each handler returns Korean-formatted
// text; the dispatcher appends a debug footer when debug mode is on.
var localHandlers = map[string]localHandler{
	"status_full":   (*Dispatcher).handleStatusFull,
	"btc_price":     (*Dispatcher).handleBTCPrice,
	"score_summary": (*Dispatcher).handleScoreSummary,
	"reconcile":     (*Dispatcher).handleReconcileSummary,
	"snapshot":      (*Dispatcher).handleSnapshot,
	"fact_snapshot": (*Dispatcher).handleSnapshot,
	"news_summary":  (*Dispatcher).handleNewsSummaryUnavailable,
}

func (d *Dispatcher) handleStatusFull(args string) string {
	pos, err := d.store.GetPositionState(d.symbol)
	if err != nil {
		return "상태 조회 실패: " + err.Error()
	}
	enabled, _ := d.store.TradingEnabled(d.symbol)

	tradingStr := "OFF"
	if enabled {
		tradingStr = "ON"
	}

	if pos.IsFlat() {
		return fmt.Sprintf("symbol: %s\ntrading: %s\nposition: flat", d.symbol, tradingStr)
	}
	return fmt.Sprintf(
		"symbol: %s\ntrading: %s\nside: %s\nqty: %s\navg_entry: %s\nstage: %d/%d",
		d.symbol, tradingStr, pos.Side, pos.TotalQty.StringFixed(6),
		pos.AvgEntryPrice.StringFixed(2), pos.Stage, domain.MaxStage,
	)
}

func (d *Dispatcher) handleBTCPrice(args string) string {
	if d.snapshots == nil {
		return "시세 정보를 사용할 수 없습니다"
	}
	snap, err := d.snapshots.Snapshot(d.symbol)
	if err != nil || !snap.Valid() {
		return "시세 조회 실패"
	}
	return fmt.Sprintf("%s: %s", d.symbol, snap.Price.StringFixed(2))
}

func (d *Dispatcher) handleScoreSummary(args string) string {
	if d.layers == nil {
		return "스코어 정보를 사용할 수 없습니다"
	}
	penalty := d.layers.Combined(d.symbol, domain.Mode(args))
	return fmt.Sprintf("symbol: %s\ncombined_penalty: %s", d.symbol, penalty.StringFixed(2))
}

func (d *Dispatcher) handleReconcileSummary(args string) string {
	return "재조정 상태는 Fill Watcher 로그를 확인하세요 (자동 복구는 별도 알림으로 전송됩니다)"
}

func (d *Dispatcher) handleSnapshot(args string) string {
	if d.snapshots == nil {
		return "스냅샷을 사용할 수 없습니다"
	}
	snap, err := d.snapshots.Snapshot(d.symbol)
	if err != nil || !snap.Valid() {
		return "유효한 스냅샷이 없습니다"
	}
	return fmt.Sprintf(
		"price: %s\nret_1m: %s\nret_5m: %s\nrsi14: %s\natr14: %s\nregime: %s",
		snap.Price.StringFixed(2), snap.Ret1m.StringFixed(4), snap.Ret5m.StringFixed(4),
		snap.RSI14.StringFixed(1), snap.ATR14.StringFixed(2), snap.Regime,
	)
}

func (d *Dispatcher) handleNewsSummaryUnavailable(args string) string {
	return "뉴스 요약 기능은 현재 비활성화되어 있습니다"
}

// handleHealth implements /health: protection-mode and error-frequency
// reporting (§7 user-visible failures: "Protection-mode activation
// produces a report listing recent error frequencies and time until
// auto-release").
func (d *Dispatcher) handleHealth(now time.Time) string {
	if d.compliance == nil {
		return "컴플라이언스 레이어를 사용할 수 없습니다"
	}
	active, errorsInWindow, releaseAt := d.compliance.ProtectionStatus(d.symbol, now)
	if !active {
		return fmt.Sprintf("symbol: %s\nprotection_mode: 비활성\nrecent_errors: %d", d.symbol, errorsInWindow)
	}
	remaining := releaseAt.Sub(now).Seconds()
	return fmt.Sprintf("symbol: %s\nprotection_mode: 활성\nrecent_errors: %d\nrelease_in: %.0fs",
		d.symbol, errorsInWindow, remaining)
}

// handleAudit implements /audit: a terser health+adaptive-layer summary.
func (d *Dispatcher) handleAudit(now time.Time) string {
	health := d.handleHealth(now)
	if d.layers == nil {
		return health
	}
	return health + fmt.Sprintf("\nloss_streak_penalty: %s", d.layers.LossStreakPenalty(d.symbol).StringFixed(2))
}
