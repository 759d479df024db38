package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"perpdesk/internal/config"
	"perpdesk/internal/profile"
)

func newStrategiesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "策略提示词管理",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出可用策略",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			mgr, err := loadStrategies(cfg)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"名称", "默认", "说明"})
			for _, name := range mgr.Names() {
				s, err := mgr.Resolve(name)
				if err != nil {
					return err
				}
				mark := ""
				if name == mgr.Default() {
					mark = "*"
				}
				t.AppendRow(table.Row{name, mark, truncate(s.Description, 60)})
			}
			t.Render()
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "把内置策略写成 strategies.yaml 以便修改",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else if cfg, err := config.Load(*configPath); err == nil {
				path = cfg.Advisory.StrategiesPath
			}
			if strings.TrimSpace(path) == "" {
				path = "configs/strategies.yaml"
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s 已存在，使用 --force 覆盖（旧文件会备份）", path)
			}
			if err := profile.Write(path, profile.DefaultStrategies()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已写入 %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "覆盖已有文件")
	cmd.AddCommand(initCmd)
	return cmd
}
