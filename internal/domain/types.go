package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATA MODEL — shared types, kept import-cycle-free (mirrors types/types.go)
// ═══════════════════════════════════════════════════════════════════════════════

// MaxStage is the pyramid-stage cap under the default budget policy.
const MaxStage = 7

// MaxBudgetUsedPct is the trade_budget_used_pct ceiling under the default
// budget policy (invariant #5, §8).
const MaxBudgetUsedPct = 70.0

// ZeroQty is the "close completeness" equality-to-zero tolerance (§4.3).
var ZeroQty = decimal.New(1, -9) // 1e-9

// MarketInfo holds per-symbol venue rules (§3).
type MarketInfo struct {
	Symbol         string
	MinQty         decimal.Decimal
	MaxQty         decimal.Decimal
	StepSize       decimal.Decimal
	TickSize       decimal.Decimal
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	MinNotional    decimal.Decimal
	ContractSize   decimal.Decimal
	MarketsVersion int64
	MarketsHash    string
	LoadedAt       time.Time
}

// StageDetail is one filled pyramid-stage record.
type StageDetail struct {
	Stage       int
	Price       decimal.Decimal
	Qty         decimal.Decimal
	Pct         decimal.Decimal
	PlannedUSDT decimal.Decimal
	FilledUSDT  decimal.Decimal
}

// PositionState is the singleton-per-symbol strategy position record (§3).
type PositionState struct {
	Symbol string

	Side          Side
	TotalQty      decimal.Decimal
	AvgEntryPrice decimal.Decimal

	Stage               int
	CapitalUsedUSDT     decimal.Decimal
	TradeBudgetUsedPct  decimal.Decimal
	StageConsumedMask   uint8
	NextStageAvailable  int

	OrderState OrderState
	PlanState  PlanState

	PlannedQty  decimal.Decimal
	FilledQty   decimal.Decimal
	PlannedUSDT decimal.Decimal
	FilledUSDT  decimal.Decimal
	LastOrderID string

	AccumulatedEntryFee decimal.Decimal

	StagesDetail []StageDetail

	UpdatedAt     time.Time
	StateChangedAt time.Time
}

// IsFlat reports whether the position holds no exposure.
func (p *PositionState) IsFlat() bool {
	return p.Side == SideFlat || p.TotalQty.IsZero()
}

// PopcountMask returns the number of set bits in StageConsumedMask.
func PopcountMask(mask uint8) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}

// CheckInvariants validates the §3 position_state invariants. Returns the
// first violation found, or nil.
func (p *PositionState) CheckInvariants() error {
	if p.Side != SideFlat {
		if !p.TotalQty.IsPositive() {
			return errInvariant("side set but total_qty <= 0")
		}
		if !p.AvgEntryPrice.IsPositive() {
			return errInvariant("side set but avg_entry_price <= 0")
		}
	}
	if PopcountMask(p.StageConsumedMask) != p.Stage {
		return errInvariant("stage != popcount(stage_consumed_mask)")
	}
	if p.TradeBudgetUsedPct.GreaterThan(decimal.NewFromFloat(MaxBudgetUsedPct)) {
		return errInvariant("trade_budget_used_pct exceeds default budget policy ceiling")
	}
	if p.FilledQty.GreaterThan(p.PlannedQty) {
		return errInvariant("filled_qty > planned_qty")
	}
	if p.FilledUSDT.GreaterThan(p.PlannedUSDT) {
		return errInvariant("filled_usdt > planned_usdt")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "position_state invariant violated: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }

// ExecutionQueueRow is one producer-consumer buffer entry (§3).
type ExecutionQueueRow struct {
	ID         int64
	Ts         time.Time
	Symbol     string
	ActionType ActionType
	Direction  Direction

	TargetQty   *decimal.Decimal
	TargetUSDT  *decimal.Decimal
	ReducePct   *decimal.Decimal

	Source   string
	Reason   string
	Priority int
	Status   QueueStatus

	ExpireAt   *time.Time
	DependsOn  *int64

	Meta map[string]any

	PMDecisionID *int64
}

// ExecutionLogRow is one placed-order audit record (§3), owned by the
// Fill Watcher after insertion by the executor.
type ExecutionLogRow struct {
	ID              int64
	OrderID         string
	ClientOrderID   string
	Symbol          string
	OrderType       string
	Direction       Direction
	SignalID        string
	DecisionID      *int64
	CloseReason     string

	RequestedQty   decimal.Decimal
	RequestedUSDT  decimal.Decimal
	TickerPrice    decimal.Decimal

	Status        ExecutionLogStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fee           decimal.Decimal
	FeeCurrency   string
	RealizedPnL   decimal.Decimal

	PositionAfterSide Side
	PositionAfterQty  decimal.Decimal
	PositionVerified  bool
	VerifiedAt        *time.Time

	PollCount   int
	LastPollAt  *time.Time
	OrderSentAt time.Time

	ExecutionQueueID *int64
	RawResponse      string
}

// EventTrigger is one independent, directional boolean observation (§4.5).
type EventTrigger struct {
	Type      string
	Direction string
	Value     decimal.Decimal
	Emergency bool
}

// EventBundle is a windowed set of trigger observations (§3).
type EventBundle struct {
	Triggers  []EventTrigger
	FirstTs   time.Time
	EventHash string
	Mode      Mode
	CallType  CallType
}

// VolumeProfile carries the point-of-control / value-area observations.
type VolumeProfile struct {
	POC decimal.Decimal
	VAH decimal.Decimal
	VAL decimal.Decimal
}

// Snapshot is a point-in-time market observation (§3).
type Snapshot struct {
	Price decimal.Decimal

	Ret1m  decimal.Decimal
	Ret5m  decimal.Decimal
	Ret15m decimal.Decimal

	BollingerUpper decimal.Decimal
	BollingerLower decimal.Decimal

	IchimokuTenkan decimal.Decimal
	IchimokuKijun  decimal.Decimal
	IchimokuCloudTop decimal.Decimal
	IchimokuCloudBot decimal.Decimal

	RSI14 decimal.Decimal
	ATR14 decimal.Decimal

	VolumeRatio decimal.Decimal // volume vs. MA

	VolumeProfile VolumeProfile

	SpreadOK     bool
	LiquidityOK  bool

	Regime     string
	Confidence decimal.Decimal

	TakenAt time.Time
}

// Valid implements the §3 snapshot validation rule: price must be
// positive and essential indicator keys must be present. Invalid
// snapshots fail-closed (§7).
func (s *Snapshot) Valid() bool {
	if s == nil {
		return false
	}
	if !s.Price.IsPositive() {
		return false
	}
	if s.RSI14.IsZero() && s.ATR14.IsZero() && s.VolumeRatio.IsZero() {
		// all three essential indicators reading exactly zero is the
		// practical signature of an unpopulated/null snapshot.
		return false
	}
	return true
}

// BackfillJobRun is a recoverable batch job descriptor (§3).
type BackfillJobRun struct {
	JobName    string
	Status     BackfillStatus
	LastCursor string
	Inserted   int64
	Updated    int64
	Failed     int64
	StartedAt  time.Time
	FinishedAt *time.Time
}
