package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/config"
	"github.com/sushant-115/pagedb/core/storage_engine/common"
	"github.com/sushant-115/pagedb/core/storage_engine/engine"
	"github.com/sushant-115/pagedb/pkg/logger"
	"github.com/sushant-115/pagedb/pkg/telemetry"
)

type rootOptions struct {
	configPath string
	dataPath   string
	inMemory   bool
	poolSize   int
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pagedb",
		Short: "Inspect and edit a pagedb data file",
		Long: "pagedb opens a single data file (or an in-memory store) and exposes its\n" +
			"indexes and table heaps through an interactive shell or one-shot commands.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, s *session) error {
				return s.runInteractive(ctx)
			})
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVarP(&opts.dataPath, "data", "d", "", "data file path (overrides storage.path)")
	flags.BoolVar(&opts.inMemory, "in-memory", false, "use a throwaway in-memory store")
	flags.IntVar(&opts.poolSize, "pool-size", 0, "buffer pool frames (overrides storage.pool_size)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides logger.level)")

	cmd.AddCommand(
		newExecCmd(opts),
		newStatsCmd(opts),
		newCheckCmd(opts),
		newBackupCmd(opts),
	)
	return cmd
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run a single shell command and exit",
		Example: "  pagedb exec index create users 8\n" +
			"  pagedb exec index get users 42",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, s *session) error {
				return s.execute(ctx, args)
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print allocator and buffer pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, s *session) error {
				return s.execute(ctx, []string{"stats"})
			})
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the structure of every index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, s *session) error {
				return s.execute(ctx, []string{"index", "check"})
			})
		},
	}
}

func newBackupCmd(opts *rootOptions) *cobra.Command {
	var bytesPerSec int64
	cmd := &cobra.Command{
		Use:   "backup <destination>",
		Short: "Copy a closed data file, optionally throttled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.InMemory {
				return errors.New("an in-memory store has no file to back up")
			}
			sum, err := common.CopyThrottled(cmd.Context(), cfg.Storage.Path, args[0], bytesPerSec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Copied %s to %s (xxhash64 %016x)\n", cfg.Storage.Path, args[0], sum)
			return nil
		},
	}
	cmd.Flags().Int64Var(&bytesPerSec, "rate", 0, "copy rate limit in bytes per second (0 = unlimited)")
	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.dataPath != "" {
		cfg.Storage.Path = o.dataPath
	}
	if o.inMemory {
		cfg.Storage.InMemory = true
	}
	if o.poolSize > 0 {
		cfg.Storage.PoolSize = o.poolSize
	}
	if o.logLevel != "" {
		cfg.Logger.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

// withEngine opens the engine described by opts, runs fn and closes
// everything it opened.
func withEngine(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, s *session) error) (err error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Open(ctx, cfg, tel, log)
	if err != nil {
		return multierr.Append(err, shutdown(context.Background()))
	}
	defer func() {
		err = multierr.Combine(err, eng.Close(context.Background()), shutdown(context.Background()))
	}()

	log.Debug("Engine ready", zap.String("path", cfg.Storage.Path), zap.Bool("in_memory", cfg.Storage.InMemory))
	return fn(ctx, newSession(eng, cmd.OutOrStdout()))
}
