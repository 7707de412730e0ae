package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownValve is returned when a valve name is not one of the known valves
var ErrUnknownValve = errors.New("unknown release valve")

// Valve is a channel through which pressure is deliberately released
type Valve string

const (
	ValveVerbal           Valve = "verbal"
	ValveSymbolic         Valve = "symbolic"
	ValveCreative         Valve = "creative"
	ValveEmpathetic       Valve = "empathetic"
	ValveConceptual       Valve = "conceptual"
	ValveMemoryTrace      Valve = "memory-trace"
	ValvePatternSynthesis Valve = "pattern-synthesis"
)

// AllValves lists every known valve in a stable order
var AllValves = []Valve{
	ValveVerbal,
	ValveSymbolic,
	ValveCreative,
	ValveEmpathetic,
	ValveConceptual,
	ValveMemoryTrace,
	ValvePatternSynthesis,
}

// IsValid checks if the valve value is valid
func (v Valve) IsValid() bool {
	switch v {
	case ValveVerbal, ValveSymbolic, ValveCreative, ValveEmpathetic,
		ValveConceptual, ValveMemoryTrace, ValvePatternSynthesis:
		return true
	}
	return false
}

// ParseValve converts a valve name into a Valve
func ParseValve(name string) (Valve, error) {
	v := Valve(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-"))
	if !v.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownValve, name)
	}
	return v, nil
}

// EventState is the lifecycle state of an ExpressionEvent
type EventState string

const (
	// EventPending is a freshly opened event waiting for the next tick
	EventPending EventState = "pending"
	// EventActive is an event currently releasing pressure
	EventActive EventState = "active"
	// EventSettled is terminal: the pressure drop has been applied
	EventSettled EventState = "settled"
	// EventCancelled is terminal: the event was withdrawn before activation
	EventCancelled EventState = "cancelled"
)

// IsValid checks if the event state value is valid
func (s EventState) IsValid() bool {
	switch s {
	case EventPending, EventActive, EventSettled, EventCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed
func (s EventState) IsTerminal() bool {
	return s == EventSettled || s == EventCancelled
}

// CanTransition reports whether from -> to is a legal forward transition
func CanTransition(from, to EventState) bool {
	switch from {
	case EventPending:
		return to == EventActive || to == EventCancelled
	case EventActive:
		return to == EventSettled
	}
	return false
}

// ExpressionEvent is one use of a release valve
type ExpressionEvent struct {
	ID         string     `json:"id"`
	Valve      Valve      `json:"valve"`
	Intensity  float64    `json:"intensity"`
	SourceHint Source     `json:"source_hint"`
	State      EventState `json:"state"`
	OpenedTick uint64     `json:"opened_tick"`
	StartTick  uint64     `json:"start_tick,omitempty"`
	EndTick    uint64     `json:"end_tick,omitempty"`
	// PressureDrop is only meaningful once State is EventSettled
	PressureDrop float64   `json:"pressure_drop,omitempty"`
	Bonus        float64   `json:"bonus,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	SettledAt    time.Time `json:"settled_at,omitempty"`
}

// Transition moves the event to the next state, refusing backward moves
func (e *ExpressionEvent) Transition(to EventState) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("illegal expression event transition %s -> %s (event %s)", e.State, to, e.ID)
	}
	e.State = to
	return nil
}
