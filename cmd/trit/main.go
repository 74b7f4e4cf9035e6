package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-trit/internal/logger"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	var logLevel, logFormat string
	root := &cobra.Command{
		Use:           "trit",
		Short:         "Ternary-weight transformer inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("TRIT_LOG_LEVEL", "INFO"), "DEBUG, INFO, WARN or ERROR (env TRIT_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", envOr("TRIT_LOG_FORMAT", "console"), "console or json (env TRIT_LOG_FORMAT)")

	root.AddCommand(
		newGenerateCmd(),
		newInfoCmd(),
		newSynthCmd(),
		newServeWeightsCmd(),
		newInstallCmd(),
		newListCmd(),
		newRemoveCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
