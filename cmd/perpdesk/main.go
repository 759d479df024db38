package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.toml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "perpdesk",
		Short:         "LLM 顾问驱动的 U 本位永续合约交易代理",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "配置文件路径")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newHistoryCmd(&configPath))
	root.AddCommand(newAlarmsCmd(&configPath))
	root.AddCommand(newCheckConfigCmd(&configPath))
	root.AddCommand(newStrategiesCmd(&configPath))
	return root
}
