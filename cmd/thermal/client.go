package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/thermal/internal/control"
	"github.com/steveyegge/thermal/internal/types"
)

func newClient() *control.Client {
	return control.NewClient(socketPath)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's latest snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		st, err := newClient().Status()
		if err != nil {
			return withHint(err)
		}
		if asJSON {
			return printJSON(st)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n\n", cyan("Thermal Status"))
		fmt.Printf("  Ticks:      %d\n", st.Ticks)
		if s := st.Snapshot; s != nil {
			fmt.Printf("  Zone:       %s\n", colorZone(s.Zone))
			fmt.Printf("  Pressure:   %.3f / %.3f (ratio %.3f)\n", s.Pressure, s.Ceiling, s.Ratio)
			fmt.Printf("  Momentum:   %+.3f/s\n", s.Momentum)
			fmt.Printf("  Coherence:  %.3f (%s)\n", s.Coherence, s.Trend)
			fmt.Printf("  Valves:     %d active, %d pending\n", len(s.Active), st.PendingValves)
			for _, src := range types.AllSources {
				if v := s.Sources[src]; v > 0 {
					fmt.Printf("    %-20s %.3f\n", src, v)
				}
			}
		}
		if st.Level != "" {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("  Alert level: %s\n", red(st.Level))
		}
		fmt.Printf("  Advisory calls (last hour): %d\n", st.AdvisoryLastHour)
		fmt.Printf("  External health: %.2f\n\n", st.ExternalHealth)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <source> <amount>",
	Short: "Add pressure to a source",
	Long: `Queue pressure for one of the sources:
  cognitive-load, processing-spike, unexpressed-backlog, drift, external-signal

The amount is applied at the start of the next tick.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		if err := newClient().Ingest(args[0], amount); err != nil {
			return withHint(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Queued %.3f for %s\n", green("✓"), amount, args[0])
		return nil
	},
}

var valveCmd = &cobra.Command{
	Use:   "valve <valve> <intensity>",
	Short: "Open an expression valve",
	Long: `Open an expression event on one of the valves:
  verbal, symbolic, creative, empathetic, conceptual, memory-trace, pattern-synthesis

Intensity is in (0, 1]. The event activates on the next tick and relieves
pressure on its source when the hold period ends.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		intensity, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid intensity %q: %w", args[1], err)
		}
		id, err := newClient().OpenValve(args[0], intensity, source)
		if err != nil {
			return withHint(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Opened %s: %s\n", green("✓"), args[0], id)
		fmt.Printf("\nTo cancel before it activates: thermal cancel %s\n", id)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <event-id>",
	Short: "Cancel a pending expression event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Cancel(args[0]); err != nil {
			return withHint(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Cancel queued for %s\n", green("✓"), args[0])
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the daemon to re-read its config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Reload(); err != nil {
			return withHint(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Reload staged, it takes effect on the next tick\n", green("✓"))
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health <value>",
	Short: "Set the external health input (0..1) to the coherence score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid health %q: %w", args[0], err)
		}
		if err := newClient().SetHealth(h); err != nil {
			return withHint(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s External health set to %.2f\n", green("✓"), h)
		return nil
	},
}

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Show the daemon's zone history",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := newClient().Zones()
		if err != nil {
			return withHint(err)
		}
		if len(records) == 0 {
			fmt.Println("No zone history yet")
			return nil
		}
		for _, r := range records {
			exit := "now"
			if !r.Open {
				exit = strconv.FormatUint(r.ExitedTick, 10)
			}
			fmt.Printf("  %-8s ticks %d..%s  coherence %.3f\n", colorZone(r.Zone), r.EnteredTick, exit, r.Coherence)
		}
		return nil
	},
}

var valvesCmd = &cobra.Command{
	Use:   "valves",
	Short: "Show settled and cancelled expression events",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		evs, err := newClient().Valves()
		if err != nil {
			return withHint(err)
		}
		if asJSON {
			return printJSON(evs)
		}
		if len(evs) == 0 {
			fmt.Println("No expression events have finished yet")
			return nil
		}
		yellow := color.New(color.FgYellow).SprintFunc()
		for _, ev := range evs {
			if ev.State == types.EventCancelled {
				fmt.Printf("  %s  %-17s %s\n", ev.ID, ev.Valve, yellow("cancelled"))
				continue
			}
			fmt.Printf("  %s  %-17s %-20s drop %.3f (bonus %.2f) ticks %d..%d\n",
				ev.ID, ev.Valve, ev.SourceHint, ev.PressureDrop, ev.Bonus, ev.StartTick, ev.EndTick)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Gracefully stop the running daemon",
	Long: `Ask the daemon to stop. The cycle in flight finishes, then the
daemon flushes its history and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Stop(); err != nil {
			return withHint(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Shutdown requested\n", green("✓"))
		return nil
	},
}

func colorZone(z types.Zone) string {
	switch z {
	case types.ZoneSurge:
		return color.New(color.FgRed, color.Bold).Sprint(z)
	case types.ZoneActive:
		return color.New(color.FgYellow).Sprint(z)
	default:
		return color.New(color.FgGreen).Sprint(z)
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the raw status as JSON")
	valvesCmd.Flags().Bool("json", false, "Print the events as JSON")
	valveCmd.Flags().StringP("source", "s", "", "Source to relieve (default: the valve's primary source)")
	rootCmd.AddCommand(statusCmd, ingestCmd, valveCmd, cancelCmd, reloadCmd, healthCmd, zonesCmd, valvesCmd, stopCmd)
}
