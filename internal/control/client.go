package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/steveyegge/thermal/internal/engine"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/steveyegge/thermal/internal/zone"
)

// Client sends control commands to a running daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// SetTimeout sets the client timeout for commands
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and waits for the response
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon (is it running?): %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// call sends cmd, turns a failed response into an error and decodes data into out
func (c *Client) call(cmd Command, out interface{}) error {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return errors.New(msg)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", cmd.Type, err)
		}
	}
	return nil
}

// Status requests the current engine status
func (c *Client) Status() (*engine.Status, error) {
	var st engine.Status
	if err := c.call(Command{Type: CmdStatus}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Ingest adds pressure to a source
func (c *Client) Ingest(source string, amount float64) error {
	return c.call(Command{Type: CmdIngest, Source: source, Amount: amount}, nil)
}

// OpenValve queues an expression event and returns its ID
func (c *Client) OpenValve(valve string, intensity float64, sourceHint string) (string, error) {
	var out ValveOpened
	if err := c.call(Command{Type: CmdValve, Valve: valve, Intensity: intensity, Source: sourceHint}, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

// Cancel cancels a pending expression event
func (c *Client) Cancel(eventID string) error {
	return c.call(Command{Type: CmdCancel, EventID: eventID}, nil)
}

// Zones returns the zone history
func (c *Client) Zones() ([]zone.Record, error) {
	var out []zone.Record
	if err := c.call(Command{Type: CmdZones}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Valves returns settled and cancelled expression events, oldest first
func (c *Client) Valves() ([]types.ExpressionEvent, error) {
	var out []types.ExpressionEvent
	if err := c.call(Command{Type: CmdValves}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetHealth sets the external health input
func (c *Client) SetHealth(h float64) error {
	return c.call(Command{Type: CmdHealth, Value: h}, nil)
}

// Reload asks the daemon to re-read its config file
func (c *Client) Reload() error {
	return c.call(Command{Type: CmdReload}, nil)
}

// Stop asks the daemon to shut down
func (c *Client) Stop() error {
	return c.call(Command{Type: CmdStop}, nil)
}
