package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	debug      bool

	// Logger, built in PersistentPreRunE
	logger *zap.Logger
	level  zap.AtomicLevel
)

// #region root
var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "convoloop controller - conversation loop with online mood training",
	Long: `controller runs the loop coordinator: a background worker that answers
conversation inputs in inference mode and retrains the mood classifier on
collected interactions in training mode.

Model calls go to the Python model service over gRPC unless model.offline
is set, in which case a heuristic classifier and a scripted generator are used.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// #endregion root

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "convoloop.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "force debug logging")

	rootCmd.AddCommand(serveCmd, chatCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
