package main

import (
	"github.com/spf13/cobra"

	"perp-grid/internal/config"
)

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "perpgrid",
		Short: "Multi-symbol perpetual futures grid/DCA trading engine",
		Long: `perpgrid runs one grid/DCA strategy unit per tradable symbol under a shared
admission controller.

Commands:
  backtest  replay a candle dataset as fast as possible against the simulated exchange
  replay    pace the dataset in wall-clock time with the live scheduler, HTTP API and alerts
  validate  load and validate a configuration file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotEnv(flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config/config.yaml", "config yaml path")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file with secrets, ignored when missing")

	root.AddCommand(newBacktestCmd(flags), newReplayCmd(flags), newValidateCmd(flags))
	return root
}
