package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrUnknownSource is returned when a pressure category is not one of the known sources
var ErrUnknownSource = errors.New("unknown pressure source")

// Source identifies a pressure category.
// The set is closed: new categories are added here, never at runtime.
type Source string

const (
	// SourceCognitiveLoad is sustained background load
	SourceCognitiveLoad Source = "cognitive-load"
	// SourceProcessingSpike is a short burst of work
	SourceProcessingSpike Source = "processing-spike"
	// SourceUnexpressedBacklog is work that has queued up without an outlet
	SourceUnexpressedBacklog Source = "unexpressed-backlog"
	// SourceDrift is slow divergence from the expected operating point
	SourceDrift Source = "drift"
	// SourceExternalSignal is pressure injected by an outside system
	SourceExternalSignal Source = "external-signal"
)

// AllSources lists every known source in a stable order
var AllSources = []Source{
	SourceCognitiveLoad,
	SourceProcessingSpike,
	SourceUnexpressedBacklog,
	SourceDrift,
	SourceExternalSignal,
}

// IsValid checks if the source value is valid
func (s Source) IsValid() bool {
	switch s {
	case SourceCognitiveLoad, SourceProcessingSpike, SourceUnexpressedBacklog, SourceDrift, SourceExternalSignal:
		return true
	}
	return false
}

// ParseSource converts a category name into a Source.
// Matching is case-insensitive and accepts underscores in place of dashes.
func ParseSource(name string) (Source, error) {
	s := Source(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-"))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return s, nil
}

// DecayKind selects how a source loses pressure between ticks
type DecayKind string

const (
	// DecayLinear subtracts a fixed amount per tick
	DecayLinear DecayKind = "linear"
	// DecayExponential multiplies by (1 - rate) per tick
	DecayExponential DecayKind = "exponential"
	// DecaySigmoid decays quickly near the ceiling and slowly near zero
	DecaySigmoid DecayKind = "sigmoid"
)

// IsValid checks if the decay kind value is valid
func (k DecayKind) IsValid() bool {
	switch k {
	case DecayLinear, DecayExponential, DecaySigmoid:
		return true
	}
	return false
}

// DecayPolicy describes the decay applied to one source
type DecayPolicy struct {
	Kind DecayKind `json:"kind" yaml:"kind" toml:"kind"`
	Rate float64   `json:"rate" yaml:"rate" toml:"rate"`
}

// Validate checks that the policy can be applied
func (p DecayPolicy) Validate() error {
	if !p.Kind.IsValid() {
		return fmt.Errorf("invalid decay kind: %q", p.Kind)
	}
	if math.IsNaN(p.Rate) || p.Rate < 0 {
		return fmt.Errorf("decay rate must be non-negative, got %v", p.Rate)
	}
	if p.Kind != DecayLinear && p.Rate > 1 {
		return fmt.Errorf("%s decay rate must be at most 1.0, got %v", p.Kind, p.Rate)
	}
	return nil
}

// PressureSource is the accumulated pressure for one category
type PressureSource struct {
	Source         Source      `json:"source"`
	Value          float64     `json:"value"`
	Decay          DecayPolicy `json:"decay"`
	LastUpdateTick uint64      `json:"last_update_tick"`
	LastUpdated    time.Time   `json:"last_updated"`
}

// ThermalState is the aggregate view of the ledger after a tick
type ThermalState struct {
	// Pressure is the aggregate after clipping, never above Ceiling
	Pressure float64 `json:"pressure"`
	// RawPressure is the aggregate before clipping
	RawPressure float64 `json:"raw_pressure"`
	// Ceiling is base_ceiling * (1 + Adjustment)
	Ceiling float64 `json:"ceiling"`
	// Ratio is Pressure / Ceiling
	Ratio float64 `json:"ratio"`
	// Momentum is the signed rate of change in pressure per second
	Momentum float64 `json:"momentum"`
	// Adjustment is the awareness adjustment used for this tick's ceiling
	Adjustment float64 `json:"adjustment"`
	// Overflow is set when RawPressure exceeded Ceiling this tick
	Overflow bool   `json:"overflow"`
	Tick     uint64 `json:"tick"`
}

// RawRatio returns RawPressure / Ceiling, which may exceed 1 on overflow ticks
func (s ThermalState) RawRatio() float64 {
	if s.Ceiling <= 0 {
		if s.RawPressure > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.RawPressure / s.Ceiling
}
