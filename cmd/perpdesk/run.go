package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"perpdesk/internal/agent"
	"perpdesk/internal/config"
	"perpdesk/internal/execution"
	"perpdesk/internal/gateway/binance"
	"perpdesk/internal/gateway/provider"
	"perpdesk/internal/history"
	"perpdesk/internal/logger"
	"perpdesk/internal/portfolio"
	"perpdesk/internal/transport/http/audit"
)

func newRunCmd(configPath *string) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动调度循环（dry_run 时走模拟盘）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "只对所有币种跑一轮后退出")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, once bool) error {
	arc, closeArc, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer closeArc()

	push := newNotifier(cfg)
	escalator := newEscalator(ctx, cfg, arc, push)
	strategies, err := loadStrategies(cfg)
	if err != nil {
		return err
	}
	strategy, err := strategies.Resolve(cfg.Schedule.Strategy)
	if err != nil {
		return err
	}
	advisor, err := provider.New(cfg.ModelConfig())
	if err != nil {
		return err
	}

	// 行情始终来自交易所公开接口；模拟盘只替换下单端。
	client := binance.NewClient(cfg.BinanceConfig())
	var exchange execution.Exchange
	if cfg.DryRun() {
		exchange = execution.NewPaperExchange()
	} else {
		exchange = binance.NewExchange(client)
	}
	book := portfolio.NewBook(cfg.Trading.PaperEquityUSDT)
	engine := execution.NewEngine(cfg.ExecutionConfig(), exchange, book, escalator)

	runner := agent.NewRunner(agent.RunnerParams{
		Source:           binance.NewSource(client),
		Advisor:          advisor,
		Strategies:       strategies,
		Validator:        cfg.Validator(),
		Policy:           cfg.RiskPolicy(),
		Engine:           engine,
		Book:             book,
		Recorder:         history.NewRecorder(arc),
		AdvisoryAttempts: cfg.Advisory.MaxAttempts,
		AdvisoryTimeout:  time.Duration(cfg.Advisory.TimeoutSeconds) * time.Second,
	})
	session := agent.NewSession(strategy.Name, cfg.DryRun(), time.Now())
	scheduler := agent.NewScheduler(agent.SchedulerParams{
		Runner:     runner,
		Session:    session,
		Symbols:    newSymbolProvider(cfg),
		Interval:   cfg.Interval(),
		RunOnStart: cfg.RunOnStart(),
		Notifier:   push,
	})
	logger.Infof("会话 %s 启动：strategy=%s dry_run=%v interval=%s", session.ID, strategy.Name, cfg.DryRun(), cfg.Interval())

	if once {
		cycles := scheduler.Tick(ctx)
		for _, c := range cycles {
			fmt.Printf("%s\t%s\t%s\t%s\n", c.Symbol, c.ID, c.Outcome, c.Error)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	if cfg.HTTP.Enabled {
		srv, err := audit.NewServer(audit.Config{
			Addr:       cfg.HTTP.Addr,
			Session:    session,
			Cycles:     arc,
			Alarms:     arc,
			Strategies: strategies,
			Armed:      engine,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Start(gctx) })
	}
	err = g.Wait()
	logger.Infof("会话 %s 结束", session.ID)
	return err
}
