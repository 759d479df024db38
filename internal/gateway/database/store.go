package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"perpdesk/internal/alarm"
	"perpdesk/internal/history"
)

// Store 持久化决策轮次与告警，两张表都只追加。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open 打开（必要时创建）数据库文件并完成建表。
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("db path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=3000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("history store 未初始化")
	}
	return db, nil
}

// AppendCycle 整个轮次以 JSON 存入 payload，检索列单独存放。
func (s *Store) AppendCycle(ctx context.Context, c history.DecisionCycle) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	c.Row = 0
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cycle: %w", err)
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO decision_cycles
            (cycle_id, session_id, seq, symbol, strategy, outcome, started_at, closed_at, dry_run, error, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Seq, strings.ToUpper(c.Symbol), c.Strategy, string(c.Outcome),
		c.StartedAt.UnixMilli(), c.ClosedAt.UnixMilli(), boolInt(c.DryRun), nullIfEmpty(c.Error), string(payload))
	if err != nil {
		return fmt.Errorf("insert cycle %s: %w", c.ID, err)
	}
	return nil
}

// ListCycles 按追加顺序回放。
func (s *Store) ListCycles(ctx context.Context, q history.Query) ([]history.DecisionCycle, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	query := `SELECT row_id, payload FROM decision_cycles WHERE row_id > ?`
	args := []interface{}{q.AfterRow}
	if q.SessionID != "" {
		query += " AND session_id=?"
		args = append(args, q.SessionID)
	}
	if q.Symbol != "" {
		query += " AND symbol=?"
		args = append(args, strings.ToUpper(strings.TrimSpace(q.Symbol)))
	}
	query += " ORDER BY row_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []history.DecisionCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastCycles 最近 limit 条（按追加顺序升序）。
func (s *Store) LastCycles(ctx context.Context, limit int) ([]history.DecisionCycle, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
        SELECT row_id, payload FROM (
            SELECT row_id, payload FROM decision_cycles ORDER BY row_id DESC LIMIT ?
        ) ORDER BY row_id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []history.DecisionCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendAlarm(ctx context.Context, ev alarm.Event) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO alarms (category, message, cycle_id, symbol, ts, count)
        VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Category, ev.Message, ev.CycleID, nullIfEmpty(ev.Symbol), ev.Timestamp.UnixMilli(), ev.Count)
	return err
}

// ListAlarms 最近 limit 条（按时间升序）。
func (s *Store) ListAlarms(ctx context.Context, limit int) ([]alarm.Event, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
        SELECT category, message, cycle_id, symbol, ts, count FROM (
            SELECT row_id, category, message, cycle_id, symbol, ts, count
            FROM alarms ORDER BY row_id DESC LIMIT ?
        ) ORDER BY row_id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alarm.Event
	for rows.Next() {
		ev, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AlarmCounts 各类别累计次数。
func (s *Store) AlarmCounts(ctx context.Context) (map[string]int64, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT category, COUNT(*) FROM alarms GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[cat] = n
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
