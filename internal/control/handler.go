package control

import (
	"context"
	"fmt"

	"github.com/steveyegge/thermal/internal/engine"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/steveyegge/thermal/internal/zone"
)

// Engine is the part of the regulation engine reachable over the socket
type Engine interface {
	Status() engine.Status
	Ingest(category string, amount float64) error
	OpenValve(valve string, intensity float64, sourceHint string) (string, error)
	CancelValve(id string) error
	ZoneHistory() []zone.Record
	ValveHistory() []types.ExpressionEvent
	SetExternalHealth(h float64)
}

// ValveOpened is the data returned for a valve command
type ValveOpened struct {
	EventID string `json:"event_id"`
}

// Dispatcher routes commands to the engine and the daemon's lifecycle hooks
type Dispatcher struct {
	engine Engine
	reload func() error
	stop   func()
}

// NewDispatcher creates a Dispatcher. reload and stop may be nil, in which
// case those commands report that they are unsupported.
func NewDispatcher(e Engine, reload func() error, stop func()) *Dispatcher {
	return &Dispatcher{engine: e, reload: reload, stop: stop}
}

// Handle executes cmd. It satisfies HandlerFunc.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) (interface{}, error) {
	switch cmd.Type {
	case CmdStatus:
		return d.engine.Status(), nil
	case CmdIngest:
		return nil, d.engine.Ingest(cmd.Source, cmd.Amount)
	case CmdValve:
		id, err := d.engine.OpenValve(cmd.Valve, cmd.Intensity, cmd.Source)
		if err != nil {
			return nil, err
		}
		return ValveOpened{EventID: id}, nil
	case CmdCancel:
		if cmd.EventID == "" {
			return nil, fmt.Errorf("event_id is required")
		}
		return nil, d.engine.CancelValve(cmd.EventID)
	case CmdZones:
		return d.engine.ZoneHistory(), nil
	case CmdValves:
		return d.engine.ValveHistory(), nil
	case CmdHealth:
		if cmd.Value < 0 || cmd.Value > 1 {
			return nil, fmt.Errorf("health must be between 0 and 1, got %v", cmd.Value)
		}
		d.engine.SetExternalHealth(cmd.Value)
		return nil, nil
	case CmdReload:
		if d.reload == nil {
			return nil, fmt.Errorf("reload not supported: daemon has no config file")
		}
		return nil, d.reload()
	case CmdStop:
		if d.stop == nil {
			return nil, fmt.Errorf("stop not supported")
		}
		d.stop()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
