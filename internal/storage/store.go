package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/btcperp/core/internal/domain"
)

// Store wraps a gorm.DB connection shared by every daemon process (§3:
// "coordinate through a shared relational store, never direct IPC").
type Store struct {
	db *gorm.DB
}

// New opens either a PostgreSQL or SQLite connection depending on the
// DSN's scheme, and auto-migrates the full model set.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("store connected (postgres)")
	} else {
		dir := filepath.Dir(dsn)
		if dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("store connected (sqlite)")
	}

	if err := db.AutoMigrate(
		&PositionStateRow{}, &ExecutionQueueRow{}, &ExecutionLogRow{},
		&PMDecisionLogRow{}, &MarketInfoRow{}, &AdaptiveLayerStateRow{},
		&TradeSwitchRow{}, &OpenclawPolicyRow{}, &KVRow{}, &BackfillJobRunRow{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying gorm.DB for components (e.g. the raw-SQL
// migrate helpers) that need lower-level access.
func (s *Store) DB() *gorm.DB { return s.db }

// ═══════════════════════════════════════════════════════════════════════════════
// position_state
// ═══════════════════════════════════════════════════════════════════════════════

// GetPositionState loads (or lazily creates, flat) the singleton position
// row for symbol (§3).
func (s *Store) GetPositionState(symbol string) (domain.PositionState, error) {
	var row PositionStateRow
	err := s.db.Where("symbol = ?", symbol).FirstOrCreate(&row, PositionStateRow{
		Symbol:     symbol,
		OrderState: string(domain.OrderStateNone),
		PlanState:  string(domain.PlanNone),
	}).Error
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("get position_state[%s]: %w", symbol, err)
	}
	return rowToPosition(row), nil
}

// SavePositionState upserts the full position_state row (§3).
func (s *Store) SavePositionState(p domain.PositionState) error {
	row := positionToRow(p)
	row.UpdatedAt = time.Now()
	return s.db.Save(&row).Error
}

func rowToPosition(row PositionStateRow) domain.PositionState {
	p := domain.PositionState{
		Symbol:             row.Symbol,
		Side:               domain.Side(row.Side),
		TotalQty:           row.TotalQty,
		AvgEntryPrice:      row.AvgEntryPrice,
		Stage:              row.Stage,
		CapitalUsedUSDT:    row.CapitalUsedUSDT,
		TradeBudgetUsedPct: row.TradeBudgetUsedPct,
		StageConsumedMask:  row.StageConsumedMask,
		NextStageAvailable: row.NextStageAvailable,
		OrderState:         domain.OrderState(row.OrderState),
		PlanState:          domain.PlanState(row.PlanState),
		PlannedQty:         row.PlannedQty,
		FilledQty:          row.FilledQty,
		PlannedUSDT:        row.PlannedUSDT,
		FilledUSDT:         row.FilledUSDT,
		LastOrderID:        row.LastOrderID,
		AccumulatedEntryFee: row.AccumulatedEntryFee,
		UpdatedAt:          row.UpdatedAt,
		StateChangedAt:     row.StateChangedAt,
	}
	if row.StagesDetailJSON != "" {
		_ = json.Unmarshal([]byte(row.StagesDetailJSON), &p.StagesDetail)
	}
	return p
}

func positionToRow(p domain.PositionState) PositionStateRow {
	stagesJSON, _ := json.Marshal(p.StagesDetail)
	return PositionStateRow{
		Symbol:             p.Symbol,
		Side:               string(p.Side),
		TotalQty:           p.TotalQty,
		AvgEntryPrice:      p.AvgEntryPrice,
		Stage:              p.Stage,
		CapitalUsedUSDT:    p.CapitalUsedUSDT,
		TradeBudgetUsedPct: p.TradeBudgetUsedPct,
		StageConsumedMask:  p.StageConsumedMask,
		NextStageAvailable: p.NextStageAvailable,
		OrderState:         string(p.OrderState),
		PlanState:          string(p.PlanState),
		PlannedQty:         p.PlannedQty,
		FilledQty:          p.FilledQty,
		PlannedUSDT:        p.PlannedUSDT,
		FilledUSDT:         p.FilledUSDT,
		LastOrderID:        p.LastOrderID,
		AccumulatedEntryFee: p.AccumulatedEntryFee,
		StagesDetailJSON:   string(stagesJSON),
		StateChangedAt:     p.StateChangedAt,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// execution_queue
// ═══════════════════════════════════════════════════════════════════════════════

// Enqueue inserts a new PENDING execution_queue row (§3, §4.2.2).
func (s *Store) Enqueue(row domain.ExecutionQueueRow) (int64, error) {
	metaJSON, _ := json.Marshal(row.Meta)
	r := ExecutionQueueRow{
		Ts: row.Ts, Symbol: row.Symbol, ActionType: string(row.ActionType),
		Direction: string(row.Direction), TargetQty: row.TargetQty, TargetUSDT: row.TargetUSDT,
		ReducePct: row.ReducePct, Source: row.Source, Reason: row.Reason,
		Priority: row.Priority, Status: string(domain.QueuePending),
		ExpireAt: row.ExpireAt, DependsOn: row.DependsOn, MetaJSON: string(metaJSON),
		PMDecisionID: row.PMDecisionID,
	}
	if err := s.db.Create(&r).Error; err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return r.ID, nil
}

// PendingQueueRows returns PENDING rows for symbol ordered by priority
// then age, the Fill Watcher/executor's pickup query (§4.2.2, §4.3).
func (s *Store) PendingQueueRows(symbol string) ([]domain.ExecutionQueueRow, error) {
	var rows []ExecutionQueueRow
	err := s.db.Where("symbol = ? AND status = ?", symbol, string(domain.QueuePending)).
		Order("priority ASC, ts ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pending queue rows: %w", err)
	}
	out := make([]domain.ExecutionQueueRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, queueRowToDomain(r))
	}
	return out, nil
}

// HasDuplicatePending reports whether a PENDING row already exists for
// (symbol, action_type) within the dedup window, for the enqueue dedup
// guard (§4.2.2 invariant #1).
func (s *Store) HasDuplicatePending(symbol string, actionType domain.ActionType, since time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&ExecutionQueueRow{}).
		Where("symbol = ? AND action_type = ? AND status = ? AND ts >= ?",
			symbol, string(actionType), string(domain.QueuePending), since).
		Count(&count).Error
	return count > 0, err
}

// MarkQueueStatus transitions a queue row's status (§3).
func (s *Store) MarkQueueStatus(id int64, status domain.QueueStatus) error {
	return s.db.Model(&ExecutionQueueRow{}).Where("id = ?", id).Update("status", string(status)).Error
}

func queueRowToDomain(r ExecutionQueueRow) domain.ExecutionQueueRow {
	var meta map[string]any
	if r.MetaJSON != "" {
		_ = json.Unmarshal([]byte(r.MetaJSON), &meta)
	}
	return domain.ExecutionQueueRow{
		ID: r.ID, Ts: r.Ts, Symbol: r.Symbol, ActionType: domain.ActionType(r.ActionType),
		Direction: domain.Direction(r.Direction), TargetQty: r.TargetQty, TargetUSDT: r.TargetUSDT,
		ReducePct: r.ReducePct, Source: r.Source, Reason: r.Reason, Priority: r.Priority,
		Status: domain.QueueStatus(r.Status), ExpireAt: r.ExpireAt, DependsOn: r.DependsOn,
		Meta: meta, PMDecisionID: r.PMDecisionID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// execution_log
// ═══════════════════════════════════════════════════════════════════════════════

// InsertExecutionLog records a newly-sent order (§4.2.2/§4.3 handoff).
func (s *Store) InsertExecutionLog(row domain.ExecutionLogRow) (int64, error) {
	r := executionLogToRow(row)
	if err := s.db.Create(&r).Error; err != nil {
		return 0, fmt.Errorf("insert execution_log: %w", err)
	}
	return r.ID, nil
}

// UpdateExecutionLog persists the Fill Watcher's poll results (§4.3).
func (s *Store) UpdateExecutionLog(row domain.ExecutionLogRow) error {
	r := executionLogToRow(row)
	return s.db.Model(&ExecutionLogRow{}).Where("id = ?", r.ID).Updates(&r).Error
}

// OpenExecutionLogs returns rows the Fill Watcher still needs to poll
// (§4.3): anything not yet FILLED/CANCELED/TIMEOUT/VERIFIED.
func (s *Store) OpenExecutionLogs(symbol string) ([]domain.ExecutionLogRow, error) {
	var rows []ExecutionLogRow
	err := s.db.Where("symbol = ? AND status IN ?", symbol,
		[]string{string(domain.LogSent), string(domain.LogPartiallyFilled)}).
		Order("order_sent_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("open execution_log rows: %w", err)
	}
	out := make([]domain.ExecutionLogRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, executionLogToDomain(r))
	}
	return out, nil
}

func executionLogToRow(e domain.ExecutionLogRow) ExecutionLogRow {
	return ExecutionLogRow{
		ID: e.ID, OrderID: e.OrderID, ClientOrderID: e.ClientOrderID, Symbol: e.Symbol,
		OrderType: e.OrderType, Direction: e.Direction, SignalID: e.SignalID,
		DecisionID: e.DecisionID, CloseReason: e.CloseReason,
		RequestedQty: e.RequestedQty, RequestedUSDT: e.RequestedUSDT, TickerPrice: e.TickerPrice,
		Status: string(e.Status), FilledQty: e.FilledQty, AvgFillPrice: e.AvgFillPrice,
		Fee: e.Fee, FeeCurrency: e.FeeCurrency, RealizedPnL: e.RealizedPnL,
		PositionAfterSide: string(e.PositionAfterSide), PositionAfterQty: e.PositionAfterQty,
		PositionVerified: e.PositionVerified, VerifiedAt: e.VerifiedAt,
		PollCount: e.PollCount, LastPollAt: e.LastPollAt, OrderSentAt: e.OrderSentAt,
		ExecutionQueueID: e.ExecutionQueueID, RawResponse: e.RawResponse,
	}
}

func executionLogToDomain(r ExecutionLogRow) domain.ExecutionLogRow {
	return domain.ExecutionLogRow{
		ID: r.ID, OrderID: r.OrderID, ClientOrderID: r.ClientOrderID, Symbol: r.Symbol,
		OrderType: r.OrderType, Direction: r.Direction, SignalID: r.SignalID,
		DecisionID: r.DecisionID, CloseReason: r.CloseReason,
		RequestedQty: r.RequestedQty, RequestedUSDT: r.RequestedUSDT, TickerPrice: r.TickerPrice,
		Status: domain.ExecutionLogStatus(r.Status), FilledQty: r.FilledQty, AvgFillPrice: r.AvgFillPrice,
		Fee: r.Fee, FeeCurrency: r.FeeCurrency, RealizedPnL: r.RealizedPnL,
		PositionAfterSide: domain.Side(r.PositionAfterSide), PositionAfterQty: r.PositionAfterQty,
		PositionVerified: r.PositionVerified, VerifiedAt: r.VerifiedAt,
		PollCount: r.PollCount, LastPollAt: r.LastPollAt, OrderSentAt: r.OrderSentAt,
		ExecutionQueueID: r.ExecutionQueueID, RawResponse: r.RawResponse,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// pm_decision_log
// ═══════════════════════════════════════════════════════════════════════════════

// LogDecision appends an audit row for every decision-engine verdict,
// whether or not it produced an execution_queue entry (§4.2.1).
func (s *Store) LogDecision(symbol string, mode domain.Mode, callType domain.CallType, action, reason, eventHash string, snapshot any) error {
	snapJSON, _ := json.Marshal(snapshot)
	row := PMDecisionLogRow{
		Ts: time.Now(), Symbol: symbol, Mode: string(mode), CallType: string(callType),
		Action: action, Reason: reason, EventHash: eventHash, SnapshotJSON: string(snapJSON),
		CreatedAt: time.Now(),
	}
	return s.db.Create(&row).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// trade_switch
// ═══════════════════════════════════════════════════════════════════════════════

// TradingEnabled reports the DB-mirrored switch state for symbol,
// defaulting to enabled when no row exists.
func (s *Store) TradingEnabled(symbol string) (bool, error) {
	var row TradeSwitchRow
	err := s.db.Where("symbol = ?", symbol).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("trade_switch[%s]: %w", symbol, err)
	}
	return row.Enabled, nil
}

// SetTradingEnabled flips the DB-mirrored switch (§4.8 dispatcher
// command surface).
func (s *Store) SetTradingEnabled(symbol string, enabled bool, reason, updatedBy string) error {
	row := TradeSwitchRow{Symbol: symbol, Enabled: enabled, Reason: reason, UpdatedBy: updatedBy, UpdatedAt: time.Now()}
	return s.db.Save(&row).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// kv_store
// ═══════════════════════════════════════════════════════════════════════════════

// GetKV returns the value for key, and whether it was present.
func (s *Store) GetKV(key string) (string, bool, error) {
	var row KVRow
	err := s.db.Where("k = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv[%s]: %w", key, err)
	}
	return row.Value, true, nil
}

// SetKV upserts a key-value pair.
func (s *Store) SetKV(key, value string) error {
	row := KVRow{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.Save(&row).Error
}
