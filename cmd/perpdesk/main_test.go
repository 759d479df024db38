package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpdesk/internal/alarm"
	"perpdesk/internal/execution"
	"perpdesk/internal/gateway/database"
	"perpdesk/internal/history"
	"perpdesk/internal/planner"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := `
[schedule]
symbols = ["btc", "ETHUSDT"]

[exchange]
api_key = "binance-key-123456"

[history]
db_path = "` + filepath.ToSlash(filepath.Join(dir, "perpdesk.db")) + `"

[alarm]
file = "` + filepath.ToSlash(filepath.Join(dir, "alarm.txt")) + `"
` + extra
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckConfigRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	out, err := execute(t, "check-config", "--config", path)
	require.NoError(t, err)
	require.NotContains(t, out, "binance-key-123456")
	require.Contains(t, out, "****3456")
	require.Contains(t, out, "dry_run")
}

func TestCheckConfigFailsSafetyLatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "\n[trading]\ndry_run = false\n")

	_, err := execute(t, "check-config", "--config", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "real_trading_enabled")
}

func TestHistoryRendersCyclesAndIntegrity(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	db, err := database.Open(filepath.Join(dir, "perpdesk.db"))
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, seq := range []int64{1, 3} {
		c := history.DecisionCycle{
			ID:        fmt.Sprintf("cycle-%d", seq),
			SessionID: "sess-1",
			Seq:       seq,
			Symbol:    "BTCUSDT",
			Strategy:  "aggressive",
			StartedAt: now,
			ClosedAt:  now.Add(time.Second),
			Outcome:   history.OutcomeExecuted,
			Orders: []execution.OrderRecord{{
				ID:     "ord-1",
				Intent: planner.OrderIntent{Purpose: planner.PurposeEntry, Symbol: "BTCUSDT"},
				Status: execution.StatusFilled,
			}},
		}
		require.NoError(t, db.AppendCycle(context.Background(), c))
	}
	require.NoError(t, db.Close())

	out, err := execute(t, "history", "--config", path, "--check")
	require.NoError(t, err)
	require.Contains(t, out, "BTCUSDT")
	require.Contains(t, out, "ENTRY:FILLED")
	require.Contains(t, out, "完整性异常")
	require.Contains(t, out, "sess-1")
}

func TestAlarmsRendersCounts(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	db, err := database.Open(filepath.Join(dir, "perpdesk.db"))
	require.NoError(t, err)
	require.NoError(t, db.AppendAlarm(context.Background(), alarm.Event{
		Category:  "order_entry_failed",
		Message:   "下单重试耗尽",
		CycleID:   "cycle-1",
		Symbol:    "BTCUSDT",
		Timestamp: time.Now(),
		Count:     2,
	}))
	require.NoError(t, db.Close())

	out, err := execute(t, "alarms", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "order_entry_failed")
	require.Contains(t, out, "下单重试耗尽")
}

func TestHistoryRequiresPersistedStore(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := strings.Replace(string(data), filepath.ToSlash(filepath.Join(dir, "perpdesk.db")), "", 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err = execute(t, "history", "--config", path)
	require.Error(t, err)
}

func TestStrategiesInitWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	target := filepath.Join(dir, "strategies.yaml")

	out, err := execute(t, "strategies", "init", target, "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, target)
	_, err = os.Stat(target)
	require.NoError(t, err)

	_, err = execute(t, "strategies", "init", target, "--config", path)
	require.Error(t, err)

	out, err = execute(t, "strategies", "list", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "aggressive")
	require.Contains(t, out, "conservative")
}
