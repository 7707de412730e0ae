package advisory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{CircuitClosed, "CLOSED"},
		{CircuitOpen, "OPEN"},
		{CircuitHalfOpen, "HALF_OPEN"},
		{CircuitState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(2, 1, time.Minute, nil)
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State(), "a half-open failure reopens immediately")

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, time.Minute, nil)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestClaudeAdvisorRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewClaudeAdvisor(ClaudeConfig{})
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")
}

func TestClaudeAdvisorOpenBreakerDeclines(t *testing.T) {
	a, err := NewClaudeAdvisor(ClaudeConfig{APIKey: "test-key", FailureThreshold: 1})
	require.NoError(t, err)
	a.Breaker().RecordFailure()

	_, err = a.Advise(context.Background(), Request{Tick: 1, Score: 0.9})
	assert.ErrorIs(t, err, ErrDeclined)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(Request{Tick: 12, Score: 0.8312})
	assert.Contains(t, p, "0.831")
	assert.Contains(t, p, "tick 12")
	assert.NotContains(t, p, "```json", "no snapshot, no snapshot block")
}
