package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"perpdesk/internal/decision"
	"perpdesk/internal/execution"
	"perpdesk/internal/gateway/provider"
	"perpdesk/internal/history"
	"perpdesk/internal/logger"
	"perpdesk/internal/market"
	"perpdesk/internal/metrics"
	"perpdesk/internal/planner"
	"perpdesk/internal/portfolio"
	"perpdesk/internal/profile"
	"perpdesk/internal/risk"
)

type RunnerParams struct {
	Source     market.SnapshotSource
	Advisor    provider.Advisor
	Strategies *profile.Manager
	Validator  decision.Validator
	Policy     risk.Policy
	Engine     *execution.Engine
	Book       *portfolio.Book
	Recorder   *history.Recorder
	Locker     *SymbolLocker
	Clock      execution.Clock

	AdvisoryAttempts int
	AdvisoryTimeout  time.Duration
	AdvisoryBackoff  time.Duration
	AdvisoryJitter   func() float64
}

// Runner 执行一轮完整流水线：快照、顾问、校验、风控、规划、执行、落库。
type Runner struct {
	p       RunnerParams
	gate    risk.Gate
	planner planner.Planner
	newID   func() string
}

func NewRunner(p RunnerParams) *Runner {
	if p.Locker == nil {
		p.Locker = NewSymbolLocker()
	}
	if p.Clock == nil {
		p.Clock = execution.SystemClock{}
	}
	if p.AdvisoryAttempts <= 0 {
		p.AdvisoryAttempts = 3
	}
	if p.AdvisoryTimeout <= 0 {
		p.AdvisoryTimeout = 120 * time.Second
	}
	if p.AdvisoryBackoff <= 0 {
		p.AdvisoryBackoff = 2 * time.Second
	}
	return &Runner{
		p:       p,
		planner: planner.Planner{MinNotionalUSDT: p.Policy.MinNotionalUSDT},
		newID:   uuid.NewString,
	}
}

// RunCycle 同一币种的轮次串行执行；只有在拿锁前 ctx 已结束时返回错误，其余失败都落在轮次记录里。
func (r *Runner) RunCycle(ctx context.Context, sess *Session, symbol string) (history.DecisionCycle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	unlock, err := r.p.Locker.Lock(ctx, symbol)
	if err != nil {
		return history.DecisionCycle{}, fmt.Errorf("%s: wait for previous cycle: %w", symbol, err)
	}
	defer unlock()

	c := history.DecisionCycle{
		ID:        r.newID(),
		SessionID: sess.ID,
		Seq:       sess.NextSeq(),
		Symbol:    symbol,
		Strategy:  sess.Strategy,
		StartedAt: r.p.Clock.Now().UTC(),
		DryRun:    sess.DryRun,
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[%s] cycle=%s panic: %v\n%s", symbol, c.ID, rec, debug.Stack())
			c.Outcome = history.OutcomeInternalFailure
			c.Error = fmt.Sprintf("panic: %v", rec)
		}
		c.ClosedAt = r.p.Clock.Now().UTC()
		r.p.Recorder.Record(ctx, c)
		sess.Observe(c)
		logger.Infof("[%s] cycle=%s seq=%d 结束: %s %s", symbol, c.ID, c.Seq, c.Outcome, c.Error)
	}()

	r.run(ctx, sess, &c)
	return c, nil
}

func (r *Runner) run(ctx context.Context, sess *Session, c *history.DecisionCycle) {
	sym := c.Symbol
	fail := func(outcome history.Outcome, err error) {
		c.Outcome = outcome
		c.Error = err.Error()
	}
	strategy, err := r.p.Strategies.Resolve(sess.Strategy)
	if err != nil {
		fail(history.OutcomeInternalFailure, err)
		return
	}
	if err := r.p.Engine.SyncAccount(ctx, sym); err != nil {
		logger.Warnf("[%s] cycle=%s 同步账户失败，沿用本地账本: %v", sym, c.ID, err)
	}

	snap, err := r.p.Source.Snapshot(ctx, sym)
	if err != nil {
		fail(history.OutcomeSnapshotFailed, err)
		return
	}
	c.SnapshotRef = snap.Ref()
	if snap.MarkPrice > 0 {
		r.p.Engine.ObserveMark(sym, snap.MarkPrice)
	}
	now := r.p.Clock.Now()
	acct := r.p.Book.Snapshot(sym, now)
	pos, hasPos := acct.Position()

	data := profile.PromptData{
		Symbol:   sym,
		Strategy: strategy.Name,
		Session:  sess.Context(sym, c.Seq, now),
		Snapshot: snap,
		Account:  acct,
		Limits: profile.PromptLimits{
			MaxLeverage:     r.p.Policy.MaxLeverage,
			DefaultLeverage: r.p.Policy.DefaultLeverage,
			MinNotionalUSDT: r.p.Policy.MinNotionalUSDT,
		},
	}
	if hasPos {
		data.Position = &pos
	}
	user, err := strategy.Render(data)
	if err != nil {
		fail(history.OutcomeInternalFailure, err)
		return
	}

	res := r.advise(ctx, provider.Request{Symbol: sym, CycleID: c.ID, SystemPrompt: strategy.System, UserPrompt: user})
	c.AdvisoryRaw = res.Raw
	if !res.OK() {
		fail(history.OutcomeAdvisoryFailed, res.Failure)
		return
	}

	rec, err := r.p.Validator.Validate(*res.Recommendation)
	if err != nil {
		fail(history.OutcomeInvalid, err)
		return
	}
	c.Recommendation = &rec
	if rec.Action == decision.ActionNoAction {
		c.Outcome = history.OutcomeNoAction
		return
	}

	verdict := r.gate.Evaluate(rec, acct, r.p.Policy)
	c.Verdict = &verdict
	if !verdict.Approved {
		metrics.Verdicts.WithLabelValues("rejected").Inc()
		c.Outcome = history.OutcomeRiskRejected
		c.Error = verdict.RejectionReason
		logger.Infof("[%s] cycle=%s 风控拒绝: %s", sym, c.ID, verdict.RejectionReason)
		return
	}
	metrics.Verdicts.WithLabelValues("approved").Inc()

	intents, reason := r.planner.PlanWithReason(rec, verdict, planner.MarketState{Symbol: sym, MarkPrice: snap.MarkPrice, Position: pos})
	c.Intents = intents
	if len(intents) == 0 {
		c.Outcome = history.OutcomeNothingToDo
		c.Error = reason
		if reason != "" {
			logger.Warnf("[%s] cycle=%s 已批准但未生成订单: %s", sym, c.ID, reason)
		}
		return
	}
	records := r.p.Engine.Execute(ctx, c.ID, intents)
	c.Orders = make([]execution.OrderRecord, 0, len(records))
	for _, or := range records {
		c.Orders = append(c.Orders, or.Clone())
	}
	c.Outcome, c.Error = outcomeOf(c.Orders)
}

// advise 可重试的失败（超时、限流、5xx）在本轮内按退避重试。
func (r *Runner) advise(ctx context.Context, req provider.Request) provider.Result {
	bo := execution.NewBackoff(r.p.AdvisoryBackoff, 8*r.p.AdvisoryBackoff, r.p.AdvisoryAttempts, r.p.AdvisoryJitter)
	var res provider.Result
	for bo.Start() {
		actx, cancel := context.WithTimeout(ctx, r.p.AdvisoryTimeout)
		res = r.p.Advisor.Advise(actx, req)
		cancel()
		if res.OK() {
			return res
		}
		if res.Failure == nil {
			res.Failure = &provider.Failure{Kind: provider.FailureMalformed, Err: errors.New("empty advisory result")}
		}
		metrics.AdvisoryFailures.WithLabelValues(string(res.Failure.Kind)).Inc()
		if !res.Failure.Retryable || ctx.Err() != nil {
			return res
		}
		delay, more := bo.Fail()
		if !more {
			break
		}
		logger.Warnf("[%s] cycle=%s 顾问调用失败(第%d次)，%s 后重试: %v", req.Symbol, req.CycleID, bo.Attempts(), delay, res.Failure)
		if err := r.p.Clock.Sleep(ctx, delay); err != nil {
			return res
		}
	}
	return res
}

// outcomeOf REJECTED 与未成交的 EXPIRED 视为失败。
func outcomeOf(orders []execution.OrderRecord) (history.Outcome, string) {
	var ok, bad int
	var errs []string
	for _, o := range orders {
		failed := o.Status == execution.StatusRejected ||
			(o.Status == execution.StatusExpired && o.FilledQty <= 0)
		if failed {
			bad++
			msg := o.LastError
			if msg == "" {
				msg = o.Result
			}
			errs = append(errs, fmt.Sprintf("%s %s: %s", o.Intent.Purpose, o.Status, msg))
			continue
		}
		ok++
	}
	switch {
	case bad == 0:
		return history.OutcomeExecuted, ""
	case ok == 0:
		return history.OutcomeFailed, strings.Join(errs, "; ")
	default:
		return history.OutcomePartial, strings.Join(errs, "; ")
	}
}
