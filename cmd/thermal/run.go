package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/thermal/internal/advisory"
	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/control"
	"github.com/steveyegge/thermal/internal/engine"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/storage"
	"github.com/steveyegge/thermal/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the regulation daemon",
	Long: `Start the tick loop in the foreground.

The daemon will:
1. Take an exclusive lock next to the history database
2. Load the config file and environment overrides
3. Record every snapshot and alert in the history database
4. Listen for commands on the control socket
5. Reload the config file when it changes on disk
6. Run until Ctrl+C, 'thermal stop', max_ticks, the error budget or an overheat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noAdvisor, _ := cmd.Flags().GetBool("no-advisor")
		noWatch, _ := cmd.Flags().GetBool("no-watch")
		return runDaemon(cmd.Context(), !noAdvisor, !noWatch)
	},
}

func init() {
	runCmd.Flags().Bool("no-advisor", false, "Never call the external advisory model")
	runCmd.Flags().Bool("no-watch", false, "Do not reload the config file when it changes")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(parent context.Context, withAdvisor, watch bool) error {
	logger := slog.Default()
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	retention, err := config.RetentionConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid retention configuration: %w", err)
	}

	lock, err := storage.AcquireLock(dbPath, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewStore(ctx, &storage.Config{Path: dbPath})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	writer := storage.NewWriter(store, retention, logger.With("component", "history"), 0)
	writer.Start(context.Background())
	defer writer.Stop()

	var advisor advisory.Advisor
	if withAdvisor && cfg.Advisory.Enabled {
		claude, err := advisory.NewClaudeAdvisor(advisory.ClaudeConfig{
			Model:  cfg.Advisory.Model,
			Logger: logger.With("component", "claude"),
		})
		if err != nil {
			logger.Warn("advisory model unavailable, escalations will be tracked but not sent", "error", err)
		} else {
			advisor = claude
		}
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Advisor:    advisor,
		Sink:       writer,
		Publishers: []engine.Publisher{writer},
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	eng.AddSink(events.NewLogSink(logger.With("component", "alerts")))

	var reload func() error
	if configPath != "" {
		reload = func() error {
			next, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return eng.Reload(next)
		}

		if watch {
			watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
				if err := eng.Reload(next); err != nil {
					logger.Warn("ignoring changed config", "error", err)
				}
			}, logger.With("component", "config"))
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = watcher.Stop() }()
		}
	}

	server, err := control.NewServer(socketPath, control.NewDispatcher(eng, reload, cancel).Handle, logger.With("component", "control"))
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = server.Stop() }()

	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s thermal daemon started (version %s)\n", green("✓"), cyan(version))
	fmt.Printf("  Tick interval: %v\n", cfg.TickInterval.D())
	fmt.Printf("  History: %s\n", dbPath)
	fmt.Printf("  Control socket: %s\n", socketPath)
	if advisor != nil {
		fmt.Printf("  Advisory: %s (trigger %.2f)\n", green("enabled"), cfg.Advisory.Trigger)
	} else {
		fmt.Printf("  Advisory: disabled\n")
	}
	fmt.Printf("  Press Ctrl+C to stop\n\n")

	res := eng.Run(ctx)
	printResult(res.Reason.String(), res.Ticks, eng.Snapshot())

	return res.Err()
}

func printResult(reason string, ticks uint64, snap *types.Snapshot) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	mark := green("✓")
	if reason != "completed" && reason != "canceled" {
		mark = red("✗")
	}
	fmt.Printf("\n%s Daemon stopped: %s after %d ticks\n", mark, reason, ticks)
	if snap != nil {
		fmt.Printf("  Final zone %s, ratio %.3f, coherence %.3f\n", snap.Zone, snap.Ratio, snap.Coherence)
	}
}

// withHint adds the usual hint for commands that could not reach the daemon
func withHint(err error) error {
	if err != nil && errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Hint: Is the daemon running? Try 'thermal run'.\n")
	}
	return err
}
