package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"perpdesk/internal/alarm"
	"perpdesk/internal/coins"
	"perpdesk/internal/history"
	"perpdesk/internal/logger"
)

type SchedulerParams struct {
	Runner     *Runner
	Session    *Session
	Symbols    coins.SymbolProvider
	Interval   time.Duration
	RunOnStart bool
	Notifier   alarm.Notifier // 可为空
}

// Scheduler 固定间隔为每个币种启动一轮；不同币种并发，同一币种由 SymbolLocker 串行。
type Scheduler struct {
	runner     *Runner
	session    *Session
	symbols    coins.SymbolProvider
	interval   time.Duration
	runOnStart bool
	notifier   alarm.Notifier
}

func NewScheduler(p SchedulerParams) *Scheduler {
	if p.Interval <= 0 {
		p.Interval = 15 * time.Minute
	}
	return &Scheduler{
		runner:     p.Runner,
		session:    p.Session,
		symbols:    p.Symbols,
		interval:   p.Interval,
		runOnStart: p.RunOnStart,
		notifier:   p.Notifier,
	}
}

// Run 阻塞到 ctx 结束，然后等待进行中的轮次收尾。
func (s *Scheduler) Run(ctx context.Context) error {
	var inflight errgroup.Group
	symbols, err := s.symbols.List(ctx)
	if err != nil {
		return fmt.Errorf("resolve symbols: %w", err)
	}
	s.announce(ctx, symbols)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	if s.runOnStart {
		inflight.Go(func() error { s.Tick(ctx); return nil })
	}
	for {
		select {
		case <-ctx.Done():
			logger.Infof("调度停止，等待进行中的决策轮次结束")
			return inflight.Wait()
		case <-ticker.C:
			inflight.Go(func() error { s.Tick(ctx); return nil })
		}
	}
}

// Tick 为当前币种列表各跑一轮，返回已关闭的轮次。
func (s *Scheduler) Tick(ctx context.Context) []history.DecisionCycle {
	symbols, err := s.symbols.List(ctx)
	if err != nil {
		logger.Errorf("获取币种列表失败: %v", err)
		return nil
	}
	out := make([]history.DecisionCycle, len(symbols))
	var g errgroup.Group
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			c, err := s.runner.RunCycle(ctx, s.session, sym)
			if err != nil {
				logger.Warnf("[%s] 本轮未执行: %v", sym, err)
				return nil
			}
			out[i] = c
			return nil
		})
	}
	_ = g.Wait()
	closed := out[:0]
	for _, c := range out {
		if c.ID != "" {
			closed = append(closed, c)
		}
	}
	return closed
}

func (s *Scheduler) announce(ctx context.Context, symbols []string) {
	summary := s.summary(symbols)
	logger.Infof("调度启动\n%s", summary)
	if s.notifier == nil {
		return
	}
	msg := "*perpdesk 启动成功* ✅\n```text\n" + summary + "\n```"
	if err := s.notifier.SendText(ctx, msg); err != nil {
		logger.Warnf("启动通知发送失败: %v", err)
	}
}

func (s *Scheduler) summary(symbols []string) string {
	var b strings.Builder
	mode := "实盘"
	if s.session.DryRun {
		mode = "模拟盘 (dry run)"
	}
	fmt.Fprintf(&b, "会话: %s\n", s.session.ID)
	fmt.Fprintf(&b, "模式: %s  策略: %s\n", mode, s.session.Strategy)
	fmt.Fprintf(&b, "周期: %s\n", s.interval)
	fmt.Fprintf(&b, "监控币种数：%d\n- 符号：%s", len(symbols), strings.Join(symbols, ", "))
	return b.String()
}
