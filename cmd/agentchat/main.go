package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mentat-tools/agentchat/cmd/agentchat/cmds"
	"github.com/mentat-tools/agentchat/pkg/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "agentchat manages agent chat histories and sequential batch runs",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(logLevel)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(cmds.NewHistoryCommand())
	rootCmd.AddCommand(cmds.NewBatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
