package types

import "math"

// Bounds for the awareness adjustment applied to the ceiling
const (
	MinAdjustment = -0.2
	MaxAdjustment = 0.5
)

// Adjustment is the bounded channel through which the coherence monitor
// moves the ledger's ceiling. The zero value is a neutral adjustment.
// The only way to build a non-zero Adjustment is NewAdjustment, so a held
// value is always inside [MinAdjustment, MaxAdjustment].
type Adjustment struct {
	value   float64
	clamped bool
}

// NewAdjustment clamps v into the allowed range. NaN maps to zero.
func NewAdjustment(v float64) Adjustment {
	switch {
	case math.IsNaN(v):
		return Adjustment{clamped: true}
	case v < MinAdjustment:
		return Adjustment{value: MinAdjustment, clamped: true}
	case v > MaxAdjustment:
		return Adjustment{value: MaxAdjustment, clamped: true}
	}
	return Adjustment{value: v}
}

// Value returns the adjustment factor
func (a Adjustment) Value() float64 {
	return a.value
}

// Clamped reports whether the requested value was outside the range
func (a Adjustment) Clamped() bool {
	return a.clamped
}

// Apply scales a base ceiling by (1 + adjustment)
func (a Adjustment) Apply(base float64) float64 {
	return base * (1 + a.value)
}
