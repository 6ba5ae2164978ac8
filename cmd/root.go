package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cwbudde/bsplinereg/internal/config"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string
	backendArg string
	workersArg int
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bsplinereg",
	Short: "B-spline deformable registration with an SSD similarity",
	Long: `bsplinereg scores and optimizes uniform cubic B-spline deformations
between a fixed and a moving volume, on serial, parallel or OpenCL backends.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		opts := &slog.HandlerOptions{Level: parseLogLevel(logLevel)}
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "bsplinereg.yaml", "Config file (defaults are used when it does not exist)")
	rootCmd.PersistentFlags().StringVar(&backendArg, "backend", "", "Override the config backend (serial, parallel, opencl)")
	rootCmd.PersistentFlags().IntVar(&workersArg, "workers", -1, "Override the config worker count (0 = all CPUs)")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads --config and applies the command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if backendArg != "" {
		cfg.Backend = backendArg
	}
	if workersArg >= 0 {
		cfg.Workers = workersArg
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}
