package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/steveyegge/thermal/internal/control"
	"github.com/steveyegge/thermal/internal/storage"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

var (
	configPath string
	dbPath     string
	socketPath string
	logLevel   string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "thermal",
	Short: "Tick-driven pressure regulation daemon",
	Long: `thermal accumulates pressure from named sources, relieves it through
expression valves, classifies the result into calm/active/surge zones and
raises alerts when the load gets dangerous.

Run the daemon with 'thermal run', then talk to it with the other commands.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
			NoColor:    color.NoColor,
		})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("THERMAL_CONFIG"), "Config file (.yaml, .toml or .json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOr("THERMAL_DB", storage.DefaultPath), "History database path")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", envOr("THERMAL_SOCKET", control.DefaultSocketPath), "Control socket path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("THERMAL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
