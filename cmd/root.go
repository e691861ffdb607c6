package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/attrset/internal/config"
	"github.com/zjrosen/attrset/internal/log"
	"github.com/zjrosen/attrset/internal/tracing"
)

var (
	version   = "dev"
	cfgFile   string
	debug     bool
	logFile   string
	jsonOut   bool
	cfg       config.Config
	configErr error
	provider  *tracing.Provider
	cleanups  []func()
)

var rootCmd = &cobra.Command{
	Use:   "attrset",
	Short: "Intern immutable attribute sets",
	Long: `attrset interns immutable, typed attribute sets so that sets with the
same content built in the same order are one shared value.

Use "attrset intern" to intern the sets declared in a manifest and
"attrset stress" to exercise the engine from many goroutines.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .attrset/config.yaml or ~/.config/attrset/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false,
		"enable debug logging (to stderr unless --log-file is set)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false,
		"print results as JSON")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("engine.isolation", defaults.Engine.Isolation)
	viper.SetDefault("engine.merge_cache.enabled", defaults.Engine.MergeCache.Enabled)
	viper.SetDefault("engine.merge_cache.expiration", defaults.Engine.MergeCache.Expiration)
	viper.SetDefault("engine.merge_cache.cleanup_interval", defaults.Engine.MergeCache.CleanupInterval)
	viper.SetDefault("log.path", defaults.Log.Path)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	viper.SetDefault("stress.workers", defaults.Stress.Workers)
	viper.SetDefault("stress.iterations", defaults.Stress.Iterations)
	viper.SetDefault("stress.keys", defaults.Stress.Keys)
	viper.SetDefault("stress.values", defaults.Stress.Values)

	viper.SetEnvPrefix("ATTRSET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .attrset/config.yaml (current directory)
		// 2. ~/.config/attrset/config.yaml (user config)
		if _, err := os.Stat(".attrset/config.yaml"); err == nil {
			viper.SetConfigFile(".attrset/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "attrset"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// A missing config file is fine; defaults apply. Other read errors
	// surface in setup.
	configErr = viper.ReadInConfig()
	if configErr == nil {
		configErr = viper.Unmarshal(&cfg)
	} else {
		_ = viper.Unmarshal(&cfg)
	}
}

// setup validates the config and starts logging and tracing for every
// subcommand.
func setup(cmd *cobra.Command, _ []string) error {
	var notFound viper.ConfigFileNotFoundError
	if configErr != nil && !errors.As(configErr, &notFound) {
		return fmt.Errorf("reading config: %w", configErr)
	}

	if logFile != "" {
		cfg.Log.Path = logFile
	}
	if debug {
		cfg.Log.Level = "debug"
		if cfg.Log.Path == "" {
			cfg.Log.Path = "-"
		}
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := initLogging(cmd, cfg.Log); err != nil {
		return err
	}
	log.Debug(log.CatConfig, "configuration loaded", "file", viper.ConfigFileUsed(), "isolation", cfg.Engine.Isolation)

	p, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	provider = p
	cleanups = append(cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			log.ErrorErr(log.CatCLI, "tracing shutdown failed", err)
		}
	})
	return nil
}

func initLogging(cmd *cobra.Command, lc config.LogConfig) error {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return err
	}

	switch lc.Path {
	case "":
		return nil
	case "-":
		cleanups = append(cleanups, log.InitWriter(cmd.ErrOrStderr()))
	default:
		cleanup, err := log.Init(lc.Path)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		cleanups = append(cleanups, cleanup)
	}
	log.SetMinLevel(level)
	log.Info(log.CatCLI, "attrset starting", "version", version, "command", cmd.CommandPath())
	return nil
}

func teardown() {
	// Reverse order: tracing flushes before the log closes.
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	cleanups = nil
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return ExecuteContext(ctx)
}

// ExecuteContext runs the root command until ctx is done.
func ExecuteContext(ctx context.Context) error {
	defer teardown()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
