// Package advisory decides when a rising coherence score justifies asking an
// external advisory service for guidance, and bounds how often that happens.
package advisory

import (
	"context"
	"errors"

	"github.com/steveyegge/thermal/internal/types"
)

var (
	// ErrTimeout is returned when an advisory call exceeds its timeout
	ErrTimeout = errors.New("advisory call timed out")
	// ErrDeclined is returned when the advisor declines to answer
	ErrDeclined = errors.New("advisory call declined")
)

// Request is what the gate hands to an advisor
type Request struct {
	Tick     uint64          `json:"tick"`
	Score    float64         `json:"score"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
}

// Advisor answers escalations. Implementations must honor ctx cancellation.
type Advisor interface {
	Advise(ctx context.Context, req Request) (*types.AdvisoryResponse, error)
}

// AdvisorFunc adapts a function to the Advisor interface
type AdvisorFunc func(ctx context.Context, req Request) (*types.AdvisoryResponse, error)

// Advise calls f(ctx, req)
func (f AdvisorFunc) Advise(ctx context.Context, req Request) (*types.AdvisoryResponse, error) {
	return f(ctx, req)
}
