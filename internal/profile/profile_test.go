package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpdesk/internal/decision"
	"perpdesk/internal/market"
	"perpdesk/internal/risk"
)

func TestBuiltinStrategies(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"aggressive", "conservative"}, m.Names())
	assert.Equal(t, "aggressive", m.Default())

	s, err := m.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "aggressive", s.Name)
	assert.Contains(t, s.System, "confidence")

	_, err = m.Resolve("scalper")
	assert.Error(t, err)
}

func TestRenderUserPrompt(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	s, err := m.Resolve("Conservative")
	require.NoError(t, err)

	pos := risk.PositionState{Symbol: "BTCUSDT", Side: decision.SideLong, Quantity: 0.01, EntryPrice: 60000, Entries: 1}
	out, err := s.Render(PromptData{
		Symbol:   "BTCUSDT",
		Session:  SessionContext{CycleCount: 3, ElapsedMinutes: 45, PreviousSummary: "long amount=20 type=MARKET conf=0.7"},
		Snapshot: market.Snapshot{Symbol: "BTCUSDT", Timestamp: time.Unix(0, 0), MarkPrice: 61000, FundingRate: 0.0001},
		Account:  risk.AccountState{Equity: 1000},
		Position: &pos,
		Limits:   PromptLimits{MaxLeverage: 10, DefaultLeverage: 3, MinNotionalUSDT: 5},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "策略: conservative")
	assert.Contains(t, out, "第 3 轮")
	assert.Contains(t, out, "上一轮建议: long amount=20")
	assert.Contains(t, out, "0.0100%")
	assert.Contains(t, out, "当前持仓: LONG 0.01 @ 60000")
	assert.Contains(t, out, "杠杆 1-10")
}

func TestLoadMergesFileAndWriteBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	f := File{Strategies: map[string]StrategyEntry{
		"scalper": {System: "短线", User: "{{.Symbol}} @ {{.Snapshot.MarkPrice}}", Default: true},
	}}
	require.NoError(t, Write(path, f))
	require.NoError(t, Write(path, f))
	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "scalper", m.Default())
	assert.Len(t, m.Names(), 3)
	s, err := m.Resolve("scalper")
	require.NoError(t, err)
	out, err := s.Render(PromptData{Symbol: "ETHUSDT", Snapshot: market.Snapshot{MarkPrice: 3000}})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT @ 3000", out)
}

func TestLoadRejectsBrokenTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("strategies:\n  bad:\n    system: x\n    user: \"{{.Symbol\"\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
