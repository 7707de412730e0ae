package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/steveyegge/thermal/internal/engine"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/steveyegge/thermal/internal/zone"
)

// Client is the daemon control surface the console drives
type Client interface {
	Status() (*engine.Status, error)
	Ingest(source string, amount float64) error
	OpenValve(valve string, intensity float64, sourceHint string) (string, error)
	Cancel(eventID string) error
	Zones() ([]zone.Record, error)
	Valves() ([]types.ExpressionEvent, error)
	SetHealth(h float64) error
	Reload() error
}

// AlertHistory reads stored alerts. Optional.
type AlertHistory interface {
	RecentAlerts(ctx context.Context, filter events.AlertFilter) ([]*events.Alert, error)
}

// REPL represents the interactive console
type REPL struct {
	client   Client
	history  AlertHistory
	histFile string
	rl       *readline.Instance
	ctx      context.Context
	out      io.Writer
	commands map[string]CommandHandler
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// Config holds REPL configuration
type Config struct {
	Client      Client
	History     AlertHistory
	HistoryFile string
	Out         io.Writer
}

// errExit signals the loop to stop
var errExit = errors.New("exit")

// New creates a new REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, fmt.Errorf("control client is required")
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	r := &REPL{
		client:   cfg.Client,
		history:  cfg.History,
		histFile: cfg.HistoryFile,
		ctx:      context.Background(),
		out:      out,
		commands: make(map[string]CommandHandler),
	}
	r.registerCommands()
	return r, nil
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("thermal> "),
		HistoryFile:       r.histFile,
		AutoComplete:      newCompleter(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            r.out,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl

	r.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nGoodbye!")
				return nil
			}
			return err
		}

		if err := r.processInput(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(r.out, "%s %v\n", red("Error:"), err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// processInput processes a single line of input
func (r *REPL) processInput(line string) error {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return nil
	}

	handler, ok := r.commands[strings.ToLower(parts[0])]
	if !ok {
		return fmt.Errorf("unknown command %q, type 'help' for available commands", parts[0])
	}
	return handler(parts[1:])
}

func (r *REPL) registerCommands() {
	r.commands["help"] = r.cmdHelp
	r.commands["?"] = r.cmdHelp
	r.commands["exit"] = r.cmdExit
	r.commands["quit"] = r.cmdExit
	r.commands["status"] = r.cmdStatus
	r.commands["ingest"] = r.cmdIngest
	r.commands["valve"] = r.cmdValve
	r.commands["cancel"] = r.cmdCancel
	r.commands["zones"] = r.cmdZones
	r.commands["valves"] = r.cmdValves
	r.commands["health"] = r.cmdHealth
	r.commands["reload"] = r.cmdReload
	r.commands["alerts"] = r.cmdAlerts
}

func newCompleter() *readline.PrefixCompleter {
	sources := make([]readline.PrefixCompleterInterface, 0, len(types.AllSources))
	for _, s := range types.AllSources {
		sources = append(sources, readline.PcItem(string(s)))
	}
	valves := make([]readline.PrefixCompleterInterface, 0, len(types.AllValves))
	for _, v := range types.AllValves {
		valves = append(valves, readline.PcItem(string(v)))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("status"),
		readline.PcItem("ingest", sources...),
		readline.PcItem("valve", valves...),
		readline.PcItem("cancel"),
		readline.PcItem("zones"),
		readline.PcItem("valves"),
		readline.PcItem("health"),
		readline.PcItem("reload"),
		readline.PcItem("alerts"),
		readline.PcItem("exit"),
	)
}

func (r *REPL) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n", cyan("thermal console"))
	fmt.Fprintln(r.out, "Type 'help' for available commands, 'exit' to quit")
	fmt.Fprintln(r.out)
}

func (r *REPL) cmdHelp(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Available Commands:"))

	commands := map[string]string{
		"status":                          "Show the latest snapshot",
		"ingest <source> <amount>":        "Add pressure to a source",
		"valve <valve> <intensity> [src]": "Open an expression valve",
		"cancel <event-id>":               "Cancel a pending expression event",
		"zones":                           "Show zone history",
		"valves":                          "Show settled and cancelled expression events",
		"health <0..1>":                   "Set the external health input",
		"reload":                          "Re-read the daemon config file",
		"alerts [n]":                      "Show recent stored alerts",
		"help, ?":                         "Show this help message",
		"exit, quit":                      "Exit the console",
	}
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(r.out, "  %-34s %s\n", green(name), commands[name])
	}
	fmt.Fprintln(r.out)
	return nil
}

func (r *REPL) cmdExit(args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s Goodbye!\n", green("✓"))
	return errExit
}
