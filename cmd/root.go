package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "osa",
	Short: "OSA content validation gateway",
	Long:  "Serves dashboard widget content through validation gates and a fresh, cached, source-only, static fallback cascade, with an audit trail and versioned agent outputs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if servePort > 0 && cmd == serveCmd {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(commandMode(cmd)); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store", cfg.Store.Driver),
			zap.String("cache", cfg.Cache.Driver),
			zap.Bool("enhancement", cfg.Pipeline.EnhancementEnabled),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// commandMode selects which settings Validate requires: the server port is
// only checked for serve.
func commandMode(cmd *cobra.Command) string {
	if cmd == serveCmd {
		return "serve"
	}
	return "cli"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
