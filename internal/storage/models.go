// Package storage is the gorm-backed persistence layer shared by every
// daemon (Position Manager, Fill Watcher, Reconciler, Dispatcher): the
// single relational store the spec's components coordinate through
// instead of direct IPC.
//
// Grounded on internal/database/database.go's gorm model set and
// New()/AutoMigrate() bootstrap, generalized from Polymarket market/trade
// rows to the position_state/execution_queue/execution_log schema.
package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStateRow is the gorm model for the singleton-per-symbol
// position_state table (§3).
type PositionStateRow struct {
	Symbol string `gorm:"primaryKey"`

	Side          string          `gorm:"column:side"`
	TotalQty      decimal.Decimal `gorm:"column:total_qty;type:decimal(24,8)"`
	AvgEntryPrice decimal.Decimal `gorm:"column:avg_entry_price;type:decimal(24,8)"`

	Stage              int             `gorm:"column:stage"`
	CapitalUsedUSDT    decimal.Decimal `gorm:"column:capital_used_usdt;type:decimal(24,8)"`
	TradeBudgetUsedPct decimal.Decimal `gorm:"column:trade_budget_used_pct;type:decimal(10,4)"`
	StageConsumedMask  uint8           `gorm:"column:stage_consumed_mask"`
	NextStageAvailable int             `gorm:"column:next_stage_available"`

	OrderState string `gorm:"column:order_state"`
	PlanState  string `gorm:"column:plan_state"`

	PlannedQty  decimal.Decimal `gorm:"column:planned_qty;type:decimal(24,8)"`
	FilledQty   decimal.Decimal `gorm:"column:filled_qty;type:decimal(24,8)"`
	PlannedUSDT decimal.Decimal `gorm:"column:planned_usdt;type:decimal(24,8)"`
	FilledUSDT  decimal.Decimal `gorm:"column:filled_usdt;type:decimal(24,8)"`
	LastOrderID string          `gorm:"column:last_order_id"`

	AccumulatedEntryFee decimal.Decimal `gorm:"column:accumulated_entry_fee;type:decimal(24,8)"`

	StagesDetailJSON string `gorm:"column:stages_detail_json;type:text"`

	UpdatedAt      time.Time `gorm:"column:updated_at"`
	StateChangedAt time.Time `gorm:"column:state_changed_at"`
}

func (PositionStateRow) TableName() string { return "position_state" }

// ExecutionQueueRow is the gorm model for the producer-consumer
// execution_queue buffer (§3).
type ExecutionQueueRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Ts         time.Time `gorm:"column:ts;index"`
	Symbol     string    `gorm:"column:symbol;index"`
	ActionType string    `gorm:"column:action_type"`
	Direction  string    `gorm:"column:direction"`

	TargetQty  *decimal.Decimal `gorm:"column:target_qty;type:decimal(24,8)"`
	TargetUSDT *decimal.Decimal `gorm:"column:target_usdt;type:decimal(24,8)"`
	ReducePct  *decimal.Decimal `gorm:"column:reduce_pct;type:decimal(10,4)"`

	Source   string `gorm:"column:source"`
	Reason   string `gorm:"column:reason"`
	Priority int    `gorm:"column:priority;index"`
	Status   string `gorm:"column:status;index"`

	ExpireAt  *time.Time `gorm:"column:expire_at"`
	DependsOn *int64     `gorm:"column:depends_on"`

	MetaJSON string `gorm:"column:meta_json;type:text"`

	PMDecisionID *int64 `gorm:"column:pm_decision_id"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (ExecutionQueueRow) TableName() string { return "execution_queue" }

// ExecutionLogRow is the gorm model for the execution_log audit trail
// owned by the Fill Watcher (§3).
type ExecutionLogRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	OrderID       string `gorm:"column:order_id;uniqueIndex"`
	ClientOrderID string `gorm:"column:client_order_id;index"`
	Symbol        string `gorm:"column:symbol;index"`
	OrderType     string `gorm:"column:order_type"`
	Direction     string `gorm:"column:direction"`
	SignalID      string `gorm:"column:signal_id"`
	DecisionID    *int64 `gorm:"column:decision_id"`
	CloseReason   string `gorm:"column:close_reason"`

	RequestedQty  decimal.Decimal `gorm:"column:requested_qty;type:decimal(24,8)"`
	RequestedUSDT decimal.Decimal `gorm:"column:requested_usdt;type:decimal(24,8)"`
	TickerPrice   decimal.Decimal `gorm:"column:ticker_price;type:decimal(24,8)"`

	Status       string          `gorm:"column:status;index"`
	FilledQty    decimal.Decimal `gorm:"column:filled_qty;type:decimal(24,8)"`
	AvgFillPrice decimal.Decimal `gorm:"column:avg_fill_price;type:decimal(24,8)"`
	Fee          decimal.Decimal `gorm:"column:fee;type:decimal(24,8)"`
	FeeCurrency  string          `gorm:"column:fee_currency"`
	RealizedPnL  decimal.Decimal `gorm:"column:realized_pnl;type:decimal(24,8)"`

	PositionAfterSide string     `gorm:"column:position_after_side"`
	PositionAfterQty  decimal.Decimal `gorm:"column:position_after_qty;type:decimal(24,8)"`
	PositionVerified  bool       `gorm:"column:position_verified"`
	VerifiedAt        *time.Time `gorm:"column:verified_at"`

	PollCount   int        `gorm:"column:poll_count"`
	LastPollAt  *time.Time `gorm:"column:last_poll_at"`
	OrderSentAt time.Time  `gorm:"column:order_sent_at"`

	ExecutionQueueID *int64 `gorm:"column:execution_queue_id"`
	RawResponse      string `gorm:"column:raw_response;type:text"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (ExecutionLogRow) TableName() string { return "execution_log" }

// PMDecisionLogRow audits every Position Manager decision-engine verdict
// (§4.2.1), independent of whether it produced an execution_queue row.
type PMDecisionLogRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Ts        time.Time `gorm:"column:ts;index"`
	Symbol    string    `gorm:"column:symbol;index"`
	Mode      string    `gorm:"column:mode"`
	CallType  string    `gorm:"column:call_type"`
	Action    string    `gorm:"column:action"`
	Reason    string    `gorm:"column:reason"`
	EventHash string    `gorm:"column:event_hash;index"`
	SnapshotJSON string `gorm:"column:snapshot_json;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (PMDecisionLogRow) TableName() string { return "pm_decision_log" }

// MarketInfoRow persists the ECL's market-cache contents so a process
// restart doesn't start with an empty cache (§3, §9).
type MarketInfoRow struct {
	Symbol         string    `gorm:"primaryKey"`
	MinQty         decimal.Decimal `gorm:"type:decimal(24,8)"`
	MaxQty         decimal.Decimal `gorm:"type:decimal(24,8)"`
	StepSize       decimal.Decimal `gorm:"type:decimal(24,8)"`
	TickSize       decimal.Decimal `gorm:"type:decimal(24,8)"`
	MinPrice       decimal.Decimal `gorm:"type:decimal(24,8)"`
	MaxPrice       decimal.Decimal `gorm:"type:decimal(24,8)"`
	MinNotional    decimal.Decimal `gorm:"type:decimal(24,8)"`
	ContractSize   decimal.Decimal `gorm:"type:decimal(24,8)"`
	MarketsVersion int64
	MarketsHash    string
	LoadedAt       time.Time
}

func (MarketInfoRow) TableName() string { return "market_info" }

// AdaptiveLayerStateRow persists the five adaptive layers' mutable state
// (§4.7), one row per symbol.
type AdaptiveLayerStateRow struct {
	Symbol string `gorm:"primaryKey"`

	LossStreak          int             `gorm:"column:loss_streak"`
	LossStreakPenalty   decimal.Decimal `gorm:"column:loss_streak_penalty;type:decimal(6,4)"`
	LastResetAt         *time.Time      `gorm:"column:last_reset_at"`

	MeanRevShortBlocked bool `gorm:"column:mean_rev_short_blocked"`

	AddGateOpen bool `gorm:"column:add_gate_open"`

	HealthWarn bool `gorm:"column:health_warn"`

	ModeWinRatePenaltyJSON string `gorm:"column:mode_win_rate_penalty_json;type:text"`

	CombinedPenalty decimal.Decimal `gorm:"column:combined_penalty;type:decimal(6,4)"`

	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (AdaptiveLayerStateRow) TableName() string { return "adaptive_layer_state" }

// TradeSwitchRow is the DB-mirrored on/off toggle table, redundant with
// (but authoritative alongside) the filesystem kill-switch flags (§3, §6).
type TradeSwitchRow struct {
	Symbol    string `gorm:"primaryKey"`
	Enabled   bool   `gorm:"column:enabled"`
	Reason    string `gorm:"column:reason"`
	UpdatedBy string `gorm:"column:updated_by"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (TradeSwitchRow) TableName() string { return "trade_switch" }

// OpenclawPolicyRow stores the dispatcher's per-chat command authorization
// policy (§4.8).
type OpenclawPolicyRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ChatID    int64  `gorm:"column:chat_id;index"`
	Command   string `gorm:"column:command"`
	Allowed   bool   `gorm:"column:allowed"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (OpenclawPolicyRow) TableName() string { return "openclaw_policies" }

// KVRow is the generic key-value table backing process-local cache
// persistence and the adaptive layers' durable counters (§9).
type KVRow struct {
	Key       string    `gorm:"primaryKey;column:k"`
	Value     string    `gorm:"column:v;type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (KVRow) TableName() string { return "kv_store" }

// BackfillJobRunRow tracks resumable batch jobs (§3).
type BackfillJobRunRow struct {
	JobName    string     `gorm:"primaryKey;column:job_name"`
	Status     string     `gorm:"column:status"`
	LastCursor string     `gorm:"column:last_cursor"`
	Inserted   int64      `gorm:"column:inserted"`
	Updated    int64      `gorm:"column:updated"`
	Failed     int64      `gorm:"column:failed"`
	StartedAt  time.Time  `gorm:"column:started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
}

func (BackfillJobRunRow) TableName() string { return "backfill_job_run" }
