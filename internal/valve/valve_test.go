package valve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/ledger"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	src  types.Source
	drop float64
	id   string
}

type fakeRelief struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeRelief) Relieve(src types.Source, drop float64, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, call{src: src, drop: drop, id: id})
	return nil
}

func newSubsystem(t *testing.T, relief Relief, mutate func(*config.Config)) *Subsystem {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	s, err := New(cfg, relief, nil)
	require.NoError(t, err)
	return s
}

func advance(t *testing.T, s *Subsystem, from, to uint64) []types.ExpressionEvent {
	t.Helper()
	var settled []types.ExpressionEvent
	for tick := from; tick <= to; tick++ {
		out, err := s.AdvanceTick(context.Background(), tick)
		require.NoError(t, err)
		settled = append(settled, out...)
	}
	return settled
}

func TestNewRequiresRelief(t *testing.T) {
	_, err := New(config.Default(), nil, nil)
	assert.Error(t, err)
}

func TestNewEventValidation(t *testing.T) {
	tests := []struct {
		name      string
		valve     types.Valve
		intensity float64
		hint      types.Source
		want      error
	}{
		{name: "unknown valve", valve: "yodel", intensity: 0.5, want: types.ErrUnknownValve},
		{name: "zero intensity", valve: types.ValveVerbal, intensity: 0, want: ErrInvalidIntensity},
		{name: "intensity above one", valve: types.ValveVerbal, intensity: 1.01, want: ErrInvalidIntensity},
		{name: "unknown hint", valve: types.ValveVerbal, intensity: 0.5, hint: "boredom", want: types.ErrUnknownSource},
		{name: "full intensity", valve: types.ValveVerbal, intensity: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := NewEvent(tt.valve, tt.intensity, tt.hint)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.EventPending, ev.State)
			assert.NotEmpty(t, ev.ID)
		})
	}
}

func TestEmptyHintUsesPrimarySource(t *testing.T) {
	ev, err := NewEvent(types.ValveEmpathetic, 0.5, "")
	require.NoError(t, err)
	assert.Equal(t, types.SourceExternalSignal, ev.SourceHint)
}

func TestAffinityTable(t *testing.T) {
	for _, v := range types.AllValves {
		var primary, secondary int
		for _, src := range types.AllSources {
			a := Affinity(v, src)
			assert.Greater(t, a, 0.0)
			assert.LessOrEqual(t, a, 1.0)
			switch a {
			case AffinityPrimary:
				primary++
			case AffinitySecondary:
				secondary++
			}
		}
		assert.Equal(t, 1, primary, "valve %s", v)
		assert.Equal(t, 1, secondary, "valve %s", v)
		assert.Equal(t, AffinityPrimary, Affinity(v, PrimarySource(v)))
	}
}

func TestLifecycleAndSettlement(t *testing.T) {
	relief := &fakeRelief{}
	s := newSubsystem(t, relief, nil)

	ev, err := s.Open(types.ValveVerbal, 0.5, types.SourceCognitiveLoad, 1)
	require.NoError(t, err)

	advance(t, s, 1, 1)
	assert.Empty(t, s.Pending())
	require.Len(t, s.Active(), 1)
	assert.Equal(t, uint64(1), s.Active()[0].StartTick)

	settled := advance(t, s, 2, 3)
	assert.Empty(t, settled, "hold_ticks not reached")

	settled = advance(t, s, 4, 4)
	require.Len(t, settled, 1)
	got := settled[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, types.EventSettled, got.State)
	assert.Equal(t, uint64(4), got.EndTick)
	assert.InDelta(t, 0.5*0.6*1.0, got.PressureDrop, 1e-9)
	assert.Equal(t, 1.0, got.Bonus)

	require.Len(t, relief.calls, 1)
	assert.Equal(t, call{src: types.SourceCognitiveLoad, drop: got.PressureDrop, id: ev.ID}, relief.calls[0])

	// repeated advances never settle the event again
	advance(t, s, 5, 20)
	assert.Len(t, relief.calls, 1)
	assert.Empty(t, s.Active())
	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, types.EventSettled, h[0].State)
}

func TestOpenActivatesOnSameTick(t *testing.T) {
	s := newSubsystem(t, &fakeRelief{}, nil)

	ev, err := s.Open(types.ValveVerbal, 0.5, types.SourceDrift, 7)
	require.NoError(t, err)
	later, err := s.Open(types.ValveSymbolic, 0.5, types.SourceDrift, 8)
	require.NoError(t, err)

	advance(t, s, 7, 7)

	got, ok := s.Get(ev.ID)
	require.True(t, ok)
	assert.Equal(t, types.EventActive, got.State)
	assert.Equal(t, uint64(7), got.StartTick)

	got, ok = s.Get(later.ID)
	require.True(t, ok)
	assert.Equal(t, types.EventPending, got.State, "events admitted for a later tick wait for it")
}

func TestConcurrentBonus(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  float64
	}{
		{name: "single event", count: 1, want: 1},
		{name: "two events", count: 2, want: 1.25},
		{name: "three events capped", count: 3, want: 1.5},
		{name: "five events capped", count: 5, want: 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relief := &fakeRelief{}
			s := newSubsystem(t, relief, nil)
			for i := 0; i < tt.count; i++ {
				_, err := s.Open(types.ValveCreative, 1, types.SourceUnexpressedBacklog, 0)
				require.NoError(t, err)
			}
			settled := advance(t, s, 1, 4)
			require.Len(t, settled, tt.count)
			for _, ev := range settled {
				assert.InDelta(t, tt.want, ev.Bonus, 1e-9)
				assert.InDelta(t, 0.8*tt.want, ev.PressureDrop, 1e-9)
			}
		})
	}
}

func TestBonusCapIsConfigurable(t *testing.T) {
	s := newSubsystem(t, &fakeRelief{}, func(c *config.Config) {
		c.Valves.BonusCap = 3
		c.Valves.BonusMultiplier = 2
	})
	for i := 0; i < 3; i++ {
		_, err := s.Open(types.ValveVerbal, 0.1, "", 0)
		require.NoError(t, err)
	}
	settled := advance(t, s, 1, 4)
	require.Len(t, settled, 3)
	assert.Equal(t, 3.0, settled[0].Bonus)
}

func TestCancel(t *testing.T) {
	relief := &fakeRelief{}
	s := newSubsystem(t, relief, nil)

	pending, err := s.Open(types.ValveSymbolic, 0.4, "", 1)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(pending.ID))

	ev, ok := s.Get(pending.ID)
	require.True(t, ok)
	assert.Equal(t, types.EventCancelled, ev.State)
	assert.ErrorIs(t, s.Cancel(pending.ID), ErrNotCancellable, "cancelled is terminal")

	active, err := s.Open(types.ValveSymbolic, 0.4, "", 1)
	require.NoError(t, err)
	advance(t, s, 2, 2)
	assert.ErrorIs(t, s.Cancel(active.ID), ErrNotCancellable)

	assert.ErrorIs(t, s.Cancel("nope"), ErrEventNotFound)

	advance(t, s, 3, 10)
	require.Len(t, relief.calls, 1, "cancelled events never reach the ledger")
	assert.Equal(t, active.ID, relief.calls[0].id)
}

func TestReliefFailureKeepsEventActive(t *testing.T) {
	relief := &fakeRelief{err: errors.New("ledger unavailable")}
	s := newSubsystem(t, relief, nil)
	_, err := s.Open(types.ValveVerbal, 0.5, "", 0)
	require.NoError(t, err)

	advance(t, s, 1, 3)
	_, err = s.AdvanceTick(context.Background(), 4)
	require.Error(t, err)
	assert.Len(t, s.Active(), 1)

	relief.err = nil
	settled := advance(t, s, 5, 5)
	assert.Len(t, settled, 1)
}

// Each settled event's drop lands in the ledger exactly once.
func TestDropsAppliedExactlyOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Decay[types.SourceCognitiveLoad] = types.DecayPolicy{Kind: types.DecayLinear, Rate: 0}
	require.NoError(t, cfg.Validate())

	l := ledger.New(cfg)
	require.NoError(t, l.Ingest(types.SourceCognitiveLoad, 5))

	s, err := New(cfg, l, nil)
	require.NoError(t, err)
	_, err = s.Open(types.ValveVerbal, 1, types.SourceCognitiveLoad, 0)
	require.NoError(t, err)

	for tick := uint64(1); tick <= 30; tick++ {
		l.DecayTick(tick)
		_, err := s.AdvanceTick(context.Background(), tick)
		require.NoError(t, err)
		l.Aggregate(tick, time.Second)
	}

	assert.InDelta(t, 5-0.6, l.Values()[types.SourceCognitiveLoad], 1e-9)
}

func TestArchiveIsBounded(t *testing.T) {
	s := newSubsystem(t, &fakeRelief{}, func(c *config.Config) { c.Valves.HistorySize = 2 })
	for i := 0; i < 5; i++ {
		ev, err := s.Open(types.ValveVerbal, 0.5, "", 0)
		require.NoError(t, err)
		require.NoError(t, s.Cancel(ev.ID))
	}
	assert.Len(t, s.History(), 2)
}

func TestAdvanceTickHonorsContext(t *testing.T) {
	s := newSubsystem(t, &fakeRelief{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.AdvanceTick(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
