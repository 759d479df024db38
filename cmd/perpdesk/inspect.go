package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"perpdesk/internal/alarm"
	"perpdesk/internal/history"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	var (
		limit   int
		symbol  string
		session string
		check   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看最近的决策轮次",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := openPersistedArchive(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()

			var cycles []history.DecisionCycle
			if symbol == "" && session == "" {
				cycles, err = db.LastCycles(ctx, limit)
			} else {
				cycles, err = db.ListCycles(ctx, history.Query{SessionID: session, Symbol: symbol})
				if len(cycles) > limit && limit > 0 {
					cycles = cycles[len(cycles)-limit:]
				}
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			renderCycles(out, cycles)
			if !check {
				return nil
			}
			all, err := db.ListCycles(ctx, history.Query{SessionID: session})
			if err != nil {
				return err
			}
			renderIntegrity(out, history.CheckIntegrity(all))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "显示条数")
	cmd.Flags().StringVar(&symbol, "symbol", "", "按币种过滤")
	cmd.Flags().StringVar(&session, "session", "", "按会话过滤")
	cmd.Flags().BoolVar(&check, "check", false, "同时检查序号完整性")
	return cmd
}

func newAlarmsCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alarms",
		Short: "查看最近的告警与各类别累计次数",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := openPersistedArchive(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			events, err := db.ListAlarms(cmd.Context(), limit)
			if err != nil {
				return err
			}
			counts, err := db.AlarmCounts(cmd.Context())
			if err != nil {
				return err
			}
			renderAlarms(cmd.OutOrStdout(), events, counts)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "显示条数")
	return cmd
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "校验配置并输出生效值（密钥打码）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			text, err := cfg.Redacted().Encode()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			mode := "dry_run（模拟盘）"
			if !cfg.DryRun() {
				mode = "LIVE（真实下单）"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n# 配置有效，模式: %s\n", mode)
			return nil
		},
	}
}

func renderCycles(w io.Writer, cycles []history.DecisionCycle) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "时间", "币种", "Seq", "动作", "结果", "订单", "备注"})
	for _, c := range cycles {
		action := "-"
		if c.Recommendation != nil {
			action = string(c.Recommendation.Action)
		}
		note := c.Error
		if note == "" && c.Verdict != nil && !c.Verdict.Approved {
			note = c.Verdict.RejectionReason
		}
		t.AppendRow(table.Row{
			c.Row,
			c.StartedAt.Local().Format(time.DateTime),
			c.Symbol,
			c.Seq,
			action,
			string(c.Outcome),
			ordersSummary(c),
			truncate(note, 60),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "共", len(cycles)})
	t.Render()
}

func ordersSummary(c history.DecisionCycle) string {
	if len(c.Orders) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(c.Orders))
	for _, o := range c.Orders {
		parts = append(parts, fmt.Sprintf("%s:%s", o.Intent.Purpose, o.Status))
	}
	return strings.Join(parts, " ")
}

func renderIntegrity(w io.Writer, r history.IntegrityReport) {
	if r.Complete() {
		fmt.Fprintf(w, "完整性检查通过：%d 个会话，%d 条轮次\n", r.Sessions, r.Cycles)
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("完整性异常：%d 个会话，%d 条轮次，乱序 %d 次", r.Sessions, r.Cycles, r.OutOfOrder))
	t.AppendHeader(table.Row{"会话", "缺失起", "缺失止", "数量"})
	for _, g := range r.Gaps {
		t.AppendRow(table.Row{g.SessionID, g.From, g.To, g.Count})
	}
	for _, id := range r.Duplicates {
		t.AppendRow(table.Row{"重复 " + id, "", "", ""})
	}
	t.Render()
}

func renderAlarms(w io.Writer, events []alarm.Event, counts map[string]int64) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"时间", "类别", "累计", "币种", "轮次", "内容"})
	for _, ev := range events {
		t.AppendRow(table.Row{
			ev.Timestamp.Local().Format(time.DateTime),
			ev.Category,
			ev.Count,
			ev.Symbol,
			ev.CycleID,
			truncate(ev.Message, 80),
		})
	}
	t.Render()

	if len(counts) == 0 {
		return
	}
	ct := table.NewWriter()
	ct.SetOutputMirror(w)
	ct.SetStyle(table.StyleLight)
	ct.AppendHeader(table.Row{"类别", "累计次数"})
	for _, k := range sortedKeys(counts) {
		ct.AppendRow(table.Row{k, counts[k]})
	}
	ct.Render()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
