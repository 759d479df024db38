package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpdesk/internal/alarm"
	"perpdesk/internal/coins"
	"perpdesk/internal/decision"
	"perpdesk/internal/execution"
	"perpdesk/internal/gateway/provider"
	"perpdesk/internal/history"
	"perpdesk/internal/market"
	"perpdesk/internal/portfolio"
	"perpdesk/internal/profile"
	"perpdesk/internal/risk"
	"perpdesk/internal/store"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

type fakeSource struct {
	mark float64
	err  error
}

func (s fakeSource) Snapshot(_ context.Context, symbol string) (market.Snapshot, error) {
	if s.err != nil {
		return market.Snapshot{}, s.err
	}
	return market.Snapshot{Symbol: symbol, Timestamp: time.Unix(1700000000, 0), MarkPrice: s.mark}, nil
}

type scriptedAdvisor struct {
	mu      sync.Mutex
	results []provider.Result
	calls   int
	panics  bool
	prompts []provider.Request
}

func (a *scriptedAdvisor) Advise(_ context.Context, req provider.Request) provider.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.prompts = append(a.prompts, req)
	if a.panics {
		panic("advisor exploded")
	}
	if len(a.results) == 0 {
		return provider.Result{Raw: `{"action":"no_action"}`, Recommendation: &decision.RawRecommendation{Action: "no_action"}}
	}
	r := a.results[0]
	if len(a.results) > 1 {
		a.results = a.results[1:]
	}
	return r
}

func ok(raw string) provider.Result {
	rec, err := decision.ParseRaw(raw)
	if err != nil {
		panic(err)
	}
	return provider.Result{Raw: raw, Recommendation: &rec}
}

type harness struct {
	runner  *Runner
	session *Session
	advisor *scriptedAdvisor
	book    *portfolio.Book
	paper   *execution.PaperExchange
	store   *store.MemoryStore
	clock   *fakeClock
	engine  *execution.Engine
}

func newHarness(t *testing.T, src market.SnapshotSource, adv *scriptedAdvisor) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	paper := execution.NewPaperExchange()
	book := portfolio.NewBook(1000)
	mem := store.NewMemoryStore()
	esc := alarm.NewEscalator(nil, mem)
	engine := execution.NewEngine(execution.Config{MinNotionalUSDT: 5}, paper, book, esc,
		execution.WithClock(clock), execution.WithJitter(func() float64 { return 1 }))
	strategies, err := profile.Load("")
	require.NoError(t, err)
	policy := risk.Policy{
		MaxDailyLoss: 0.05, MaxPositionPerSymbol: 3, MaxTotalExposure: 3, MaxTradesPerHour: 6,
		MinNotionalUSDT: 5, DefaultLeverage: 5, MaxLeverage: 20,
	}
	r := NewRunner(RunnerParams{
		Source:           src,
		Advisor:          adv,
		Strategies:       strategies,
		Validator:        decision.Validator{LeverageCeiling: 20},
		Policy:           policy,
		Engine:           engine,
		Book:             book,
		Recorder:         history.NewRecorder(mem),
		Clock:            clock,
		AdvisoryAttempts: 3,
		AdvisoryBackoff:  time.Second,
		AdvisoryJitter:   func() float64 { return 1 },
	})
	return &harness{
		runner:  r,
		session: NewSession("aggressive", true, clock.Now()),
		advisor: adv,
		book:    book,
		paper:   paper,
		store:   mem,
		clock:   clock,
		engine:  engine,
	}
}

func (h *harness) stored(t *testing.T) []history.DecisionCycle {
	t.Helper()
	cycles, err := h.store.ListCycles(context.Background(), history.Query{})
	require.NoError(t, err)
	return cycles
}

func TestRunCycleOpensPositionWithProtection(t *testing.T) {
	adv := &scriptedAdvisor{results: []provider.Result{
		ok(`{"action":"long","usdt_amount":20,"leverage":5,"order_type":"MARKET","stop_loss":90,"take_profit":120,"confidence":0.8}`),
	}}
	h := newHarness(t, fakeSource{mark: 100}, adv)

	c, err := h.runner.RunCycle(context.Background(), h.session, "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeExecuted, c.Outcome, c.Error)
	assert.Equal(t, "BTCUSDT", c.Symbol)
	assert.Equal(t, int64(1), c.Seq)
	assert.True(t, c.Closed())
	assert.NotEmpty(t, c.SnapshotRef)
	require.NotNil(t, c.Verdict)
	assert.True(t, c.Verdict.Approved)
	require.Len(t, c.Orders, 4)
	assert.Equal(t, execution.StatusFilled, c.Orders[0].Status)
	assert.Equal(t, execution.StatusCancelled, c.Orders[1].Status)
	assert.Equal(t, execution.StatusSubmitted, c.Orders[2].Status)
	assert.Equal(t, execution.StatusSubmitted, c.Orders[3].Status)

	pos, open := h.book.Position("BTCUSDT")
	require.True(t, open)
	assert.Equal(t, decision.SideLong, pos.Side)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9)
	assert.Len(t, h.engine.Armed("BTCUSDT"), 2)

	stored := h.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, c.ID, stored[0].ID)
	assert.True(t, stored[0].DryRun)

	// 下一轮提示词带上一轮摘要
	_, err = h.runner.RunCycle(context.Background(), h.session, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, adv.prompts, 2)
	assert.Contains(t, adv.prompts[1].UserPrompt, "上一轮建议: long")
	assert.Contains(t, adv.prompts[1].UserPrompt, "当前持仓: LONG")
	assert.True(t, history.CheckIntegrity(h.stored(t)).Complete())
}

func TestRunCycleRetriesRetryableAdvisoryFailures(t *testing.T) {
	quota := provider.Result{Failure: &provider.Failure{Kind: provider.FailureQuota, Status: 429, Retryable: true, Err: errors.New("slow down")}}
	adv := &scriptedAdvisor{results: []provider.Result{quota, quota, ok(`{"action":"no_action","confidence":0.3}`)}}
	h := newHarness(t, fakeSource{mark: 100}, adv)

	c, err := h.runner.RunCycle(context.Background(), h.session, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeNoAction, c.Outcome)
	assert.Equal(t, 3, adv.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.clock.slept)
}

func TestRunCycleAdvisoryFailures(t *testing.T) {
	cases := []struct {
		name  string
		res   provider.Result
		calls int
	}{
		{"malformed", provider.Result{Raw: "buy!", Failure: &provider.Failure{Kind: provider.FailureMalformed, Err: decision.ErrNoJSON}}, 1},
		{"timeout exhausted", provider.Result{Failure: &provider.Failure{Kind: provider.FailureTimeout, Retryable: true, Err: context.DeadlineExceeded}}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adv := &scriptedAdvisor{results: []provider.Result{tc.res}}
			h := newHarness(t, fakeSource{mark: 100}, adv)
			c, err := h.runner.RunCycle(context.Background(), h.session, "BTCUSDT")
			require.NoError(t, err)
			assert.Equal(t, history.OutcomeAdvisoryFailed, c.Outcome)
			assert.Equal(t, tc.calls, adv.calls)
			assert.Equal(t, tc.res.Raw, c.AdvisoryRaw)
			assert.Len(t, h.stored(t), 1)
		})
	}
}

func TestRunCycleShortCircuits(t *testing.T) {
	cases := []struct {
		name    string
		src     market.SnapshotSource
		raw     string
		outcome history.Outcome
	}{
		{"snapshot error", fakeSource{err: errors.New("klines 502")}, `{"action":"no_action"}`, history.OutcomeSnapshotFailed},
		{"limit without entry", fakeSource{mark: 100}, `{"action":"long","usdt_amount":20,"order_type":"LIMIT"}`, history.OutcomeInvalid},
		{"close without position", fakeSource{mark: 100}, `{"action":"close_long","close_percent":50}`, history.OutcomeRiskRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.src, &scriptedAdvisor{results: []provider.Result{ok(tc.raw)}})
			c, err := h.runner.RunCycle(context.Background(), h.session, "BTCUSDT")
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, c.Outcome)
			assert.NotEmpty(t, c.Error)
			assert.Empty(t, c.Orders)
			assert.Equal(t, 0, h.paper.OpenOrders())
			stored := h.stored(t)
			require.Len(t, stored, 1)
			assert.Equal(t, tc.outcome, stored[0].Outcome)
		})
	}
}

func TestRunCycleRecordsWhyNothingPlanned(t *testing.T) {
	adv := &scriptedAdvisor{results: []provider.Result{
		ok(`{"action":"long","usdt_amount":20,"leverage":5,"order_type":"MARKET"}`),
	}}
	h := newHarness(t, fakeSource{mark: 0}, adv)

	c, err := h.runner.RunCycle(context.Background(), h.session, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, c.Verdict)
	require.True(t, c.Verdict.Approved, c.Verdict.RejectionReason)
	assert.Equal(t, history.OutcomeNothingToDo, c.Outcome)
	assert.Contains(t, c.Error, "mark price")
	assert.Empty(t, c.Orders)

	stored := h.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, c.Error, stored[0].Error)
}

func TestRunCycleRecoversPanic(t *testing.T) {
	h := newHarness(t, fakeSource{mark: 100}, &scriptedAdvisor{panics: true})
	c, err := h.runner.RunCycle(context.Background(), h.session, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeInternalFailure, c.Outcome)
	assert.Contains(t, c.Error, "advisor exploded")
	assert.Len(t, h.stored(t), 1)

	// 锁已释放，下一轮可以继续
	h.advisor.panics = false
	c, err = h.runner.RunCycle(context.Background(), h.session, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeNoAction, c.Outcome)
	assert.Equal(t, int64(2), h.session.Info().Cycles)
}

func TestCloseFlattensAndCancelsProtection(t *testing.T) {
	adv := &scriptedAdvisor{results: []provider.Result{
		ok(`{"action":"long","usdt_amount":20,"leverage":5,"stop_loss":90,"take_profit":120}`),
		ok(`{"action":"close_long","close_percent":100}`),
	}}
	h := newHarness(t, fakeSource{mark: 100}, adv)
	ctx := context.Background()
	_, err := h.runner.RunCycle(ctx, h.session, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, h.engine.Armed("BTCUSDT"), 2)

	c, err := h.runner.RunCycle(ctx, h.session, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeExecuted, c.Outcome, c.Error)
	require.Len(t, c.Orders, 1)
	assert.True(t, c.Orders[0].Intent.ReduceOnly)
	_, open := h.book.Position("BTCUSDT")
	assert.False(t, open)
	assert.Empty(t, h.engine.Armed("BTCUSDT"))
	assert.Equal(t, 0, h.paper.OpenOrders())
}

func TestSymbolLockerSerializesFIFO(t *testing.T) {
	l := NewSymbolLocker()
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "btcusdt")
	require.NoError(t, err)
	assert.True(t, l.Busy("BTCUSDT"))
	assert.False(t, l.Busy("ETHUSDT"))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := l.Lock(ctx, "BTCUSDT")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}()
		// 等前一个等待者进入队列
		time.Sleep(20 * time.Millisecond)
	}
	unlock()
	unlock()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)

	cctx, cancel := context.WithCancel(ctx)
	u, err := l.Lock(ctx, "SOLUSDT")
	require.NoError(t, err)
	cancel()
	_, err = l.Lock(cctx, "SOLUSDT")
	assert.ErrorIs(t, err, context.Canceled)
	u()
}

type recordingNotifier struct{ msgs []string }

func (n *recordingNotifier) SendText(_ context.Context, text string) error {
	n.msgs = append(n.msgs, text)
	return nil
}

func TestSchedulerTickRunsEverySymbol(t *testing.T) {
	h := newHarness(t, fakeSource{mark: 100}, &scriptedAdvisor{})
	s := NewScheduler(SchedulerParams{
		Runner:  h.runner,
		Session: h.session,
		Symbols: coins.NewStaticProvider([]string{"btc", "eth", "sol"}),
	})
	closed := s.Tick(context.Background())
	require.Len(t, closed, 3)
	seen := map[string]bool{}
	for _, c := range closed {
		seen[c.Symbol] = true
		assert.Equal(t, history.OutcomeNoAction, c.Outcome)
	}
	assert.Len(t, seen, 3)
	report := history.CheckIntegrity(h.stored(t))
	assert.True(t, report.Complete())
	assert.Equal(t, 3, report.Cycles)
}

func TestSchedulerRunAnnouncesAndDrains(t *testing.T) {
	h := newHarness(t, fakeSource{mark: 100}, &scriptedAdvisor{})
	n := &recordingNotifier{}
	s := NewScheduler(SchedulerParams{
		Runner:     h.runner,
		Session:    h.session,
		Symbols:    coins.NewStaticProvider([]string{"BTCUSDT"}),
		Interval:   time.Hour,
		RunOnStart: true,
		Notifier:   n,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return len(h.stored(t)) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, n.msgs, 1)
	assert.Contains(t, n.msgs[0], "BTCUSDT")
	assert.Contains(t, n.msgs[0], "dry run")
}
