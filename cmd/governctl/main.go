package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orangecat/governance/internal/config"
	"orangecat/governance/internal/logging"
	"orangecat/governance/internal/platform"
)

var rootCmd = &cobra.Command{
	Use:   "governctl",
	Short: "Operator tooling for the group governance engine",
	Long: `governctl runs maintenance tasks against the governance database: applying
migrations, sweeping expired proposals, retrying failed executions and
bootstrapping groups and tokens.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "ops", Title: "Operations"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration"})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the same configuration governd uses.
func loadConfig() (config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.NewTo(cfg.LogLevel, "console", "stderr")
}

// withRuntime builds the engine for one command and closes it afterwards.
func withRuntime(ctx context.Context, fn func(rt *platform.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := platform.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime", zap.Error(err))
		}
	}()
	return fn(rt)
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
