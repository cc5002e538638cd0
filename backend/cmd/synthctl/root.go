package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"synthmemory/backend/internal/engine"
	"synthmemory/backend/pkg/config"
	"synthmemory/backend/pkg/logger"
)

type rootOptions struct {
	configPath string
	dataDir    string
	logLevel   string
}

// cliLogLevel keeps command output readable unless asked otherwise
const cliLogLevel = "warn"

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "synthctl",
		Short:         "Inspect and drive the hybrid memory store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.yaml (default: $SY_CONFIG_DIR/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Override data_dir")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (default: log_level, else warn)")

	cmd.AddCommand(
		newConfigCmd(opts),
		newIngestCmd(opts),
		newRecallCmd(opts),
		newStatsCmd(opts),
		newSeedCmd(opts),
	)
	return cmd
}

// loadConfig resolves configuration: --config file or the default layers,
// then --data-dir
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	return cfg, nil
}

// openEngine loads config and starts an engine; the caller must Shutdown it
func (o *rootOptions) openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	level := o.logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	if level == "" {
		level = cliLogLevel
	}
	if err := logger.Init(cfg.Env, level); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return engine.New(ctx, cfg, engine.Options{})
}
