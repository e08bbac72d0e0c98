// Command hobbes is a terminal chat agent that answers with Gemini and acts
// through MCP tool servers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hobbes/internal/config"
	"hobbes/internal/logging"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	sessionFlag string
	metricsAddr string

	// cfg is loaded once per invocation in PersistentPreRunE.
	cfg *config.Config

	// logger reports CLI-level problems on stderr. Component logs go through internal/logging.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hobbes",
	Short: "hobbes - a tool-using chat agent",
	Long: `hobbes talks to a Gemini model and lets it call tools exposed by MCP servers.

Every tool call passes a permission gate. Calls that need consent are shown
inline and wait for your answer. Conversations are saved to SQLite and can be
resumed with --session.

Run without arguments to start an interactive chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		zcfg := zap.NewProductionConfig()
		zcfg.Level = level
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		if err := logging.Initialize(cfg.LoggingOptions()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.Boot("hobbes starting with config %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", `Session to resume ("latest" for the most recent)`)
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(chatCmd, askCmd, sessionsCmd, toolsCmd, promptPreviewCmd, archiveCmd, usageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
