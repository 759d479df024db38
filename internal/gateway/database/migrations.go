package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS decision_cycles (
        row_id     INTEGER PRIMARY KEY AUTOINCREMENT,
        cycle_id   TEXT NOT NULL UNIQUE,
        session_id TEXT NOT NULL,
        seq        INTEGER NOT NULL,
        symbol     TEXT NOT NULL,
        strategy   TEXT,
        outcome    TEXT NOT NULL,
        started_at INTEGER NOT NULL,
        closed_at  INTEGER NOT NULL,
        dry_run    INTEGER NOT NULL DEFAULT 0,
        error      TEXT,
        payload    TEXT NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_cycles_session ON decision_cycles(session_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_cycles_symbol ON decision_cycles(symbol, row_id)`,
	`CREATE TABLE IF NOT EXISTS alarms (
        row_id   INTEGER PRIMARY KEY AUTOINCREMENT,
        category TEXT NOT NULL,
        message  TEXT NOT NULL,
        cycle_id TEXT,
        symbol   TEXT,
        ts       INTEGER NOT NULL,
        count    INTEGER NOT NULL DEFAULT 0
    )`,
	// 两张表都拒绝修改和删除
	`CREATE TRIGGER IF NOT EXISTS decision_cycles_no_update BEFORE UPDATE ON decision_cycles
        BEGIN SELECT RAISE(ABORT, 'decision_cycles is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS decision_cycles_no_delete BEFORE DELETE ON decision_cycles
        BEGIN SELECT RAISE(ABORT, 'decision_cycles is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS alarms_no_update BEFORE UPDATE ON alarms
        BEGIN SELECT RAISE(ABORT, 'alarms is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS alarms_no_delete BEFORE DELETE ON alarms
        BEGIN SELECT RAISE(ABORT, 'alarms is append-only'); END`,
}

// migrate 建表（幂等）。
func (s *Store) migrate(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
