package repl

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/types"
)

func zoneColor(z types.Zone) func(a ...interface{}) string {
	switch z {
	case types.ZoneSurge:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case types.ZoneActive:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgGreen).SprintFunc()
	}
}

func (r *REPL) cmdStatus(args []string) error {
	st, err := r.client.Status()
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Thermal Status"))
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(r.out, "  Loop:       %s (tick %d)\n", state, st.Ticks)

	if s := st.Snapshot; s != nil {
		fmt.Fprintf(r.out, "  Zone:       %s\n", zoneColor(s.Zone)(s.Zone))
		fmt.Fprintf(r.out, "  Pressure:   %.3f / %.3f (ratio %.3f)\n", s.Pressure, s.Ceiling, s.Ratio)
		fmt.Fprintf(r.out, "  Momentum:   %+.3f/s\n", s.Momentum)
		fmt.Fprintf(r.out, "  Coherence:  %.3f (%s)\n", s.Coherence, s.Trend)
		fmt.Fprintf(r.out, "  Active:     %d valve(s), %d pending\n", len(s.Active), st.PendingValves)
		for _, src := range types.AllSources {
			if v, ok := s.Sources[src]; ok && v > 0 {
				fmt.Fprintf(r.out, "    %-20s %.3f\n", src, v)
			}
		}
		if s.Advisory != nil {
			fmt.Fprintf(r.out, "  Advice:     %s\n", s.Advisory.Advice)
		}
	}
	if st.Level != events.LevelNone {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(r.out, "  Alert:      %s\n", red(st.Level))
	}
	fmt.Fprintln(r.out)
	return nil
}

func (r *REPL) cmdIngest(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: ingest <source> <amount>")
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}
	if err := r.client.Ingest(args[0], amount); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "queued %.3f for %s\n", amount, args[0])
	return nil
}

func (r *REPL) cmdValve(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: valve <valve> <intensity> [source]")
	}
	intensity, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid intensity %q: %w", args[1], err)
	}
	hint := ""
	if len(args) == 3 {
		hint = args[2]
	}
	id, err := r.client.OpenValve(args[0], intensity, hint)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "opened %s as %s\n", args[0], id)
	return nil
}

func (r *REPL) cmdCancel(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cancel <event-id>")
	}
	if err := r.client.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "cancel queued for %s\n", args[0])
	return nil
}

func (r *REPL) cmdZones(args []string) error {
	records, err := r.client.Zones()
	if err != nil {
		return fmt.Errorf("failed to get zones: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(r.out, "no zone history yet")
		return nil
	}
	for _, rec := range records {
		exit := "now"
		if !rec.Open {
			exit = strconv.FormatUint(rec.ExitedTick, 10)
		}
		fmt.Fprintf(r.out, "  %-8s ticks %d..%s  coherence %.3f\n",
			zoneColor(rec.Zone)(rec.Zone), rec.EnteredTick, exit, rec.Coherence)
	}
	return nil
}

func (r *REPL) cmdValves(args []string) error {
	evs, err := r.client.Valves()
	if err != nil {
		return fmt.Errorf("failed to get valve history: %w", err)
	}
	if len(evs) == 0 {
		fmt.Fprintln(r.out, "no expression events have finished yet")
		return nil
	}
	for _, ev := range evs {
		if ev.State == types.EventCancelled {
			fmt.Fprintf(r.out, "  %s  %-17s cancelled\n", ev.ID, ev.Valve)
			continue
		}
		fmt.Fprintf(r.out, "  %s  %-17s %-20s drop %.3f (bonus %.2f) ticks %d..%d\n",
			ev.ID, ev.Valve, ev.SourceHint, ev.PressureDrop, ev.Bonus, ev.StartTick, ev.EndTick)
	}
	return nil
}

func (r *REPL) cmdHealth(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: health <0..1>")
	}
	h, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid health %q: %w", args[0], err)
	}
	if err := r.client.SetHealth(h); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "external health set to %.3f\n", h)
	return nil
}

func (r *REPL) cmdReload(args []string) error {
	if err := r.client.Reload(); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "reload staged for the next tick")
	return nil
}

func (r *REPL) cmdAlerts(args []string) error {
	if r.history == nil {
		return fmt.Errorf("alert history is not available")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		limit = n
	}

	alerts, err := r.history.RecentAlerts(r.ctx, events.AlertFilter{Limit: limit})
	if err != nil {
		return fmt.Errorf("failed to read alerts: %w", err)
	}
	if len(alerts) == 0 {
		fmt.Fprintln(r.out, "no alerts recorded")
		return nil
	}
	for _, a := range alerts {
		fmt.Fprintf(r.out, "  %s  %-9s %-28s %s\n",
			a.Timestamp.Format("15:04:05"), a.Severity, a.Type, a.Message)
	}
	return nil
}
