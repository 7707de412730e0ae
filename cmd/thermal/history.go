package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded snapshots and alerts",
	Long: `Read the history database directly. This works whether or not the
daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		showSnapshots, _ := cmd.Flags().GetBool("snapshots")
		alertType, _ := cmd.Flags().GetString("type")
		severity, _ := cmd.Flags().GetString("severity")
		since, _ := cmd.Flags().GetDuration("since")

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if _, err := os.Stat(dbPath); err != nil {
			return fmt.Errorf("no history at %s: %w", dbPath, err)
		}
		store, err := storage.NewStore(ctx, &storage.Config{Path: dbPath})
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if showSnapshots {
			snaps, err := store.RecentSnapshots(ctx, limit)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				fmt.Printf("  %s  tick %-6d %-8s pressure %7.3f ratio %.3f coherence %.3f\n",
					s.Timestamp.Format("15:04:05"), s.Tick, colorZone(s.Zone), s.Pressure, s.Ratio, s.Coherence)
			}
			return nil
		}

		filter := events.AlertFilter{
			Type:     events.AlertType(alertType),
			Severity: events.Severity(severity),
			Limit:    limit,
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}
		alerts, err := store.RecentAlerts(ctx, filter)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Println("No alerts recorded")
			return nil
		}
		for _, a := range alerts {
			fmt.Printf("  %s  %s %-28s %s\n", a.Timestamp.Format("2006-01-02 15:04:05"), colorSeverity(a.Severity), a.Type, a.Message)
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy to the history database now",
	RunE: func(cmd *cobra.Command, args []string) error {
		vacuum, _ := cmd.Flags().GetBool("vacuum")
		ctx := context.Background()

		retention, err := config.RetentionConfigFromEnv()
		if err != nil {
			return err
		}
		store, err := storage.NewStore(ctx, &storage.Config{Path: dbPath})
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		w := storage.NewWriter(store, retention, nil, 1)
		counts, err := w.Prune(ctx)
		if err != nil {
			return err
		}
		if vacuum {
			if err := store.Vacuum(ctx); err != nil {
				return err
			}
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Pruned %d snapshots, %d alerts, %d critical alerts (%s)\n",
			green("✓"), counts.Snapshots, counts.Alerts, counts.CriticalAlerts, retention)
		return nil
	},
}

func colorSeverity(s events.Severity) string {
	label := fmt.Sprintf("%-8s", s)
	switch s {
	case events.SeverityCritical, events.SeverityError:
		return color.New(color.FgRed).Sprint(label)
	case events.SeverityWarning:
		return color.New(color.FgYellow).Sprint(label)
	default:
		return label
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of records to show")
	historyCmd.Flags().Bool("snapshots", false, "Show snapshots instead of alerts")
	historyCmd.Flags().String("type", "", "Only alerts of this type (e.g. zone_transition)")
	historyCmd.Flags().String("severity", "", "Only alerts of this severity")
	historyCmd.Flags().Duration("since", 0, "Only alerts newer than this (e.g. 1h)")
	pruneCmd.Flags().Bool("vacuum", false, "Reclaim disk space afterwards")
	rootCmd.AddCommand(historyCmd, pruneCmd)
}
