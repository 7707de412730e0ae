package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, mutate func(*config.Config)) *Ledger {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return New(cfg)
}

func TestIngestValidation(t *testing.T) {
	l := newLedger(t, func(c *config.Config) {
		c.Ledger.AllowedSources = []types.Source{types.SourceDrift, types.SourceCognitiveLoad}
	})

	tests := []struct {
		name   string
		source types.Source
		amount float64
		want   error
	}{
		{name: "valid", source: types.SourceDrift, amount: 1.5},
		{name: "zero is accepted", source: types.SourceDrift, amount: 0},
		{name: "negative", source: types.SourceDrift, amount: -1, want: ErrInvalidAmount},
		{name: "nan", source: types.SourceDrift, amount: math.NaN(), want: ErrInvalidAmount},
		{name: "inf", source: types.SourceDrift, amount: math.Inf(1), want: ErrInvalidAmount},
		{name: "unknown source", source: "boredom", amount: 1, want: types.ErrUnknownSource},
		{name: "not allowed", source: types.SourceProcessingSpike, amount: 1, want: ErrSourceNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Ingest(tt.source, tt.amount)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 1.5, l.Values()[types.SourceDrift])
	_, ok := l.Values()[types.SourceProcessingSpike]
	assert.False(t, ok, "rejected ingestion must not create a source")
}

func TestDecayKinds(t *testing.T) {
	tests := []struct {
		name   string
		policy types.DecayPolicy
		v      float64
		n      uint64
		want   float64
	}{
		{name: "linear one tick", policy: types.DecayPolicy{Kind: types.DecayLinear, Rate: 0.5}, v: 2, n: 1, want: 1.5},
		{name: "linear scaled by ticks", policy: types.DecayPolicy{Kind: types.DecayLinear, Rate: 0.5}, v: 2, n: 3, want: 0.5},
		{name: "linear floors at zero", policy: types.DecayPolicy{Kind: types.DecayLinear, Rate: 0.5}, v: 1, n: 10, want: 0},
		{name: "exponential one tick", policy: types.DecayPolicy{Kind: types.DecayExponential, Rate: 0.1}, v: 10, n: 1, want: 9},
		{name: "exponential scaled by ticks", policy: types.DecayPolicy{Kind: types.DecayExponential, Rate: 0.1}, v: 10, n: 2, want: 8.1},
		{name: "exponential full rate", policy: types.DecayPolicy{Kind: types.DecayExponential, Rate: 1}, v: 10, n: 1, want: 0},
		{name: "sigmoid at half ceiling", policy: types.DecayPolicy{Kind: types.DecaySigmoid, Rate: 0.2}, v: 5, n: 1, want: 4.5},
		{name: "zero ticks", policy: types.DecayPolicy{Kind: types.DecayLinear, Rate: 0.5}, v: 2, n: 0, want: 2},
		{name: "zero rate", policy: types.DecayPolicy{Kind: types.DecayExponential, Rate: 0}, v: 2, n: 5, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Decay(tt.v, tt.policy, tt.n, 10), 1e-9)
		})
	}
}

func TestSigmoidDecayIsFasterNearCeiling(t *testing.T) {
	p := types.DecayPolicy{Kind: types.DecaySigmoid, Rate: 0.2}
	high := 9.0 - Decay(9, p, 1, 10)
	low := 1.0 - Decay(1, p, 1, 10)

	assert.Greater(t, high/9.0, low/1.0, "relative decay near the ceiling must exceed decay near zero")
}

// With no ingestion, every source is non-increasing and never negative,
// whatever the policy.
func TestMonotonicDecayLaw(t *testing.T) {
	l := newLedger(t, func(c *config.Config) {
		c.Ledger.Decay[types.SourceCognitiveLoad] = types.DecayPolicy{Kind: types.DecayExponential, Rate: 0.3}
		c.Ledger.Decay[types.SourceDrift] = types.DecayPolicy{Kind: types.DecayLinear, Rate: 0.7}
		c.Ledger.Decay[types.SourceUnexpressedBacklog] = types.DecayPolicy{Kind: types.DecaySigmoid, Rate: 0.9}
	})

	require.NoError(t, l.Ingest(types.SourceCognitiveLoad, 3))
	require.NoError(t, l.Ingest(types.SourceDrift, 2))
	require.NoError(t, l.Ingest(types.SourceUnexpressedBacklog, 4))
	l.Aggregate(0, time.Second)

	prev := l.Values()
	for tick := uint64(1); tick <= 50; tick++ {
		l.DecayTick(tick)
		l.Aggregate(tick, time.Second)
		cur := l.Values()
		for src, v := range cur {
			assert.GreaterOrEqual(t, v, 0.0, "tick %d source %s", tick, src)
			assert.LessOrEqual(t, v, prev[src], "tick %d source %s increased", tick, src)
		}
		prev = cur
	}
	assert.Equal(t, 0.0, prev[types.SourceDrift])
}

func TestDecayScalesWithElapsedTicks(t *testing.T) {
	l := newLedger(t, func(c *config.Config) {
		c.Ledger.Decay[types.SourceDrift] = types.DecayPolicy{Kind: types.DecayLinear, Rate: 1}
	})
	require.NoError(t, l.Ingest(types.SourceDrift, 10))

	l.DecayTick(4) // four ticks elapsed since creation at tick 0
	assert.InDelta(t, 6.0, l.Values()[types.SourceDrift], 1e-9)

	l.DecayTick(4) // same tick again is a no-op
	assert.InDelta(t, 6.0, l.Values()[types.SourceDrift], 1e-9)
}

func TestAggregateOverflowClipsProportionally(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.Ingest(types.SourceCognitiveLoad, 9))
	require.NoError(t, l.Ingest(types.SourceDrift, 6))

	st := l.Aggregate(1, time.Second)
	assert.True(t, st.Overflow)
	assert.Equal(t, 15.0, st.RawPressure)
	assert.Equal(t, 10.0, st.Pressure)
	assert.Equal(t, 1.0, st.Ratio)

	vals := l.Values()
	assert.InDelta(t, 6.0, vals[types.SourceCognitiveLoad], 1e-9)
	assert.InDelta(t, 4.0, vals[types.SourceDrift], 1e-9)
	assert.LessOrEqual(t, vals[types.SourceCognitiveLoad]+vals[types.SourceDrift], st.Ceiling+1e-9)
}

func TestAggregateUsesAdjustedCeiling(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.Ingest(types.SourceDrift, 6))

	l.SetAdjustment(types.NewAdjustment(0.5))
	st := l.Aggregate(1, time.Second)
	assert.Equal(t, 15.0, st.Ceiling)
	assert.InDelta(t, 0.4, st.Ratio, 1e-9)
	assert.Equal(t, 0.5, st.Adjustment)

	l.SetAdjustment(types.NewAdjustment(-5)) // clamps to -0.2
	st = l.Aggregate(2, time.Second)
	assert.Equal(t, 8.0, st.Ceiling)
	assert.InDelta(t, 0.75, st.Ratio, 1e-9)
}

func TestMomentum(t *testing.T) {
	l := newLedger(t, func(c *config.Config) {
		c.Ledger.Decay[types.SourceDrift] = types.DecayPolicy{Kind: types.DecayLinear, Rate: 0}
	})

	st := l.Aggregate(1, 500*time.Millisecond)
	assert.Equal(t, 0.0, st.Momentum, "no previous value yet")

	require.NoError(t, l.Ingest(types.SourceDrift, 2))
	st = l.Aggregate(2, 500*time.Millisecond)
	assert.InDelta(t, 4.0, st.Momentum, 1e-9)

	// re-aggregating the same tick replaces, rather than appends, the rate
	require.NoError(t, l.Relieve(types.SourceDrift, 1, "ev-1"))
	st = l.Aggregate(2, 500*time.Millisecond)
	assert.InDelta(t, 2.0, st.Momentum, 1e-9)

	st = l.Aggregate(3, 500*time.Millisecond)
	assert.InDelta(t, 0.0, st.Momentum, 1e-9)
}

func TestMomentumWindowAverages(t *testing.T) {
	l := newLedger(t, func(c *config.Config) {
		c.Ledger.MomentumWindow = 2
		c.Ledger.Decay[types.SourceDrift] = types.DecayPolicy{Kind: types.DecayLinear, Rate: 0}
	})

	l.Aggregate(1, time.Second)
	require.NoError(t, l.Ingest(types.SourceDrift, 2))
	l.Aggregate(2, time.Second) // rate 2
	require.NoError(t, l.Ingest(types.SourceDrift, 4))
	st := l.Aggregate(3, time.Second) // rate 4
	assert.InDelta(t, 3.0, st.Momentum, 1e-9)
}

func TestRelieveIsIdempotentPerEvent(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.Ingest(types.SourceDrift, 3))

	require.NoError(t, l.Relieve(types.SourceDrift, 1, "ev-1"))
	err := l.Relieve(types.SourceDrift, 1, "ev-1")
	assert.True(t, errors.Is(err, ErrAlreadyApplied))
	assert.InDelta(t, 2.0, l.Values()[types.SourceDrift], 1e-9)

	require.NoError(t, l.Relieve(types.SourceDrift, 10, "ev-2"))
	assert.Equal(t, 0.0, l.Values()[types.SourceDrift], "relief floors at zero")

	assert.ErrorIs(t, l.Relieve(types.SourceDrift, -1, "ev-3"), ErrInvalidAmount)
	assert.Error(t, l.Relieve(types.SourceDrift, 1, ""))
	assert.NoError(t, l.Relieve(types.SourceExternalSignal, 1, "ev-4"), "relief on an empty source is a no-op")
}

func TestReconfigureKeepsValues(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.Ingest(types.SourceDrift, 5))

	cfg := config.Default()
	cfg.Ledger.BaseCeiling = 20
	cfg.Ledger.Decay[types.SourceDrift] = types.DecayPolicy{Kind: types.DecayLinear, Rate: 2}
	require.NoError(t, cfg.Validate())
	l.Reconfigure(cfg)

	assert.Equal(t, 5.0, l.Values()[types.SourceDrift])
	st := l.Aggregate(1, time.Second)
	assert.Equal(t, 20.0, st.Ceiling)

	l.DecayTick(1)
	assert.InDelta(t, 3.0, l.Values()[types.SourceDrift], 1e-9)
	assert.Equal(t, types.DecayLinear, l.Sources()[0].Decay.Kind)
}

func TestSourcesReturnsCopies(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.Ingest(types.SourceDrift, 1))

	srcs := l.Sources()
	require.Len(t, srcs, 1)
	srcs[0].Value = 99
	assert.Equal(t, 1.0, l.Values()[types.SourceDrift])
}
