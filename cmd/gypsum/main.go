// gypsum is the versioned artifact storage server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/config"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/server"
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gypsum",
		Short: "Versioned artifact storage",
		Long: `gypsum stores versioned artifacts as projects, assets and versions.

Uploads are deduplicated against earlier versions of the same asset, every
project carries a storage quota, and the latest version of each asset is
tracked automatically.

Examples:
  # Serve with a configuration file
  gypsum serve --config /etc/gypsum/gypsum.yaml

  # Release a lock left behind by a crashed upload
  gypsum unlock my-project --config /etc/gypsum/gypsum.yaml

  # Recompute the latest version of an asset
  gypsum refresh-latest my-project my-asset`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	unlockCmd := &cobra.Command{
		Use:   "unlock <project>",
		Short: "Force-release the upload lock of a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnlock,
	}
	rootCmd.AddCommand(unlockCmd)

	usageCmd := &cobra.Command{
		Use:   "refresh-usage <project>",
		Short: "Recompute the storage usage of a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runRefreshUsage,
	}
	rootCmd.AddCommand(usageCmd)

	latestCmd := &cobra.Command{
		Use:   "refresh-latest <project> <asset>",
		Short: "Recompute the latest version of an asset",
		Args:  cobra.ExactArgs(2),
		RunE:  runRefreshLatest,
	}
	rootCmd.AddCommand(latestCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gypsum %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Human-readable output on a terminal, JSON lines otherwise
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// loadConfig reads --config, falling back to defaults and environment
// variables when no file is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(cfgFile)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// The config file level applies unless --log-level was given explicitly.
	if !cmd.Flags().Changed("log-level") {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Deps{
		Uploads:  a.uploads,
		Versions: a.versions,
		Metrics:  a.metrics,
		Gatherer: a.registry,
	})

	log.Info().
		Str("version", Version).
		Str("storage", cfg.Storage.Backend).
		Str("cache", cfg.Cache.Backend).
		Msg("Starting gypsum")
	return srv.ListenAndServe(ctx, cfg.Listen)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.versions.ForceUnlock(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Unlocked %s\n", args[0])
		return nil
	})
}

func runRefreshUsage(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		usage, err := a.versions.RecomputeUsage(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d bytes\n", args[0], usage.Total)
		return nil
	})
}

func runRefreshLatest(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		v, err := a.latest.Refresh(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if v == "" {
			fmt.Printf("%s/%s: no eligible version\n", args[0], args[1])
			return nil
		}
		fmt.Printf("%s/%s: %s\n", args[0], args[1], v)
		return nil
	})
}

// withApp builds the application from the configuration and runs fn with
// a context cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
