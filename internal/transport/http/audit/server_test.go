package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpdesk/internal/agent"
	"perpdesk/internal/alarm"
	"perpdesk/internal/history"
	"perpdesk/internal/profile"
	"perpdesk/internal/store"
)

func newTestServer(t *testing.T) (*Server, *agent.Session, *store.MemoryStore) {
	t.Helper()
	sess := agent.NewSession("aggressive", true, time.Now())
	mem := store.NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		c := history.DecisionCycle{
			ID: fmt.Sprintf("c%d", i), SessionID: sess.ID, Seq: int64(i), Symbol: "BTCUSDT",
			Outcome: history.OutcomeNoAction, StartedAt: time.Now(), ClosedAt: time.Now(),
		}
		if i == 2 {
			c.Symbol = "ETHUSDT"
		}
		require.NoError(t, mem.AppendCycle(ctx, c))
		sess.Observe(c)
	}
	require.NoError(t, mem.AppendAlarm(ctx, alarm.Event{Category: alarm.CategoryOrderRejected, Message: "margin", CycleID: "c3", Count: 1}))
	strategies, err := profile.Load("")
	require.NoError(t, err)
	srv, err := NewServer(Config{Session: sess, Cycles: mem, Alarms: mem, Strategies: strategies})
	require.NoError(t, err)
	return srv, sess, mem
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestCyclesReplayInOrder(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	var page struct {
		Cycles    []history.DecisionCycle `json:"cycles"`
		NextAfter int64                   `json:"next_after"`
	}
	require.Equal(t, http.StatusOK, get(t, h, "/api/cycles?limit=2", &page))
	require.Len(t, page.Cycles, 2)
	assert.Equal(t, "c1", page.Cycles[0].ID)
	assert.Equal(t, int64(2), page.NextAfter)

	require.Equal(t, http.StatusOK, get(t, h, fmt.Sprintf("/api/cycles?after=%d", page.NextAfter), &page))
	require.Len(t, page.Cycles, 1)
	assert.Equal(t, "c3", page.Cycles[0].ID)

	require.Equal(t, http.StatusOK, get(t, h, "/api/cycles?symbol=ethusdt", &page))
	require.Len(t, page.Cycles, 1)
	assert.Equal(t, "c2", page.Cycles[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/cycles?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/cycles?after=-1", nil))
}

func TestIntegrityAndSession(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	h := srv.Handler()

	var integrity struct {
		Complete bool                    `json:"complete"`
		Report   history.IntegrityReport `json:"report"`
	}
	require.Equal(t, http.StatusOK, get(t, h, "/api/cycles/integrity", &integrity))
	assert.True(t, integrity.Complete)
	assert.Equal(t, 3, integrity.Report.Cycles)

	var session struct {
		Session agent.SessionInfo `json:"session"`
	}
	require.Equal(t, http.StatusOK, get(t, h, "/api/session", &session))
	assert.Equal(t, sess.ID, session.Session.ID)
	assert.Equal(t, int64(3), session.Session.Outcomes[history.OutcomeNoAction])

	var health map[string]any
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])
}

func TestAlarmsStrategiesAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	var alarms struct {
		Alarms []alarm.Event    `json:"alarms"`
		Counts map[string]int64 `json:"counts"`
	}
	require.Equal(t, http.StatusOK, get(t, h, "/api/alarms", &alarms))
	require.Len(t, alarms.Alarms, 1)
	assert.Equal(t, int64(1), alarms.Counts[alarm.CategoryOrderRejected])

	var strategies struct {
		Strategies []struct {
			Name    string `json:"name"`
			Default bool   `json:"default"`
		} `json:"strategies"`
	}
	require.Equal(t, http.StatusOK, get(t, h, "/api/strategies", &strategies))
	require.Len(t, strategies.Strategies, 2)
	assert.True(t, strategies.Strategies[0].Default)

	var armed map[string]any
	require.Equal(t, http.StatusOK, get(t, h, "/api/orders/armed?symbol=btcusdt", &armed))
	assert.Equal(t, "BTCUSDT", armed["symbol"])
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/orders/armed", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStartStopsOnCancel(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
