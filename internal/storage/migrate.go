package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
)

// ensureStatements are idempotent raw-SQL migrations layered on top of
// gorm's AutoMigrate, for constructs gorm can't express directly
// (partial/composite indexes, CHECK constraints). Grounded on
// scripts/db_setup.go's schema block and storage/database.go's
// CREATE-TABLE-IF-NOT-EXISTS pattern.
var ensureStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_execution_queue_symbol_status ON execution_queue(symbol, status)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_log_symbol_status ON execution_log(symbol, status)`,
	`CREATE INDEX IF NOT EXISTS idx_pm_decision_log_symbol_ts ON pm_decision_log(symbol, ts)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_log_client_order_id ON execution_log(client_order_id) WHERE client_order_id <> ''`,
}

// EnsurePostgresExtras runs the idempotent raw-SQL migrations against a
// *sql.DB opened on the same DSN as the gorm Store. Safe to call on
// every process start — every statement is already
// IF-NOT-EXISTS/idempotent (§9 "migrations are idempotent ensure_*
// functions, not a versioned chain").
func EnsurePostgresExtras(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open postgres for migrate: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping postgres for migrate: %w", err)
	}

	for _, stmt := range ensureStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure statement %q: %w", stmt, err)
		}
	}
	log.Info().Int("statements", len(ensureStatements)).Msg("postgres extras ensured")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOCAL JSON BACKUP — write/read helpers for a JSON snapshot file
// ═══════════════════════════════════════════════════════════════════════════════

// BackupJSON writes v as an indented JSON snapshot to path, through a
// temporary file and a rename. The adaptive layers do not call it; their
// state is not backed up to disk.
func BackupJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("backup dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadJSONBackup reads a prior BackupJSON snapshot into v. Returns
// (false, nil) if no backup file exists yet.
func LoadJSONBackup(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read backup: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal backup: %w", err)
	}
	return true, nil
}
