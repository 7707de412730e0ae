package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/thermal/internal/advisory"
	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/ledger"
	"github.com/steveyegge/thermal/internal/scheduler"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/steveyegge/thermal/internal/valve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steadyConfig disables decay and awareness so pressure only moves when a test moves it
func steadyConfig(maxTicks uint64) *config.Config {
	cfg := config.Default()
	cfg.MaxTicks = maxTicks
	cfg.Coherence.AwarenessGain = 0
	cfg.Advisory.Enabled = false
	cfg.Ledger.Decay = map[types.Source]types.DecayPolicy{}
	for _, src := range types.AllSources {
		cfg.Ledger.Decay[src] = types.DecayPolicy{Kind: types.DecayLinear, Rate: 0}
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...func(*Options)) (*Engine, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	o := Options{
		Config: cfg,
		Sink:   rec,
		Clock:  scheduler.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(o)
	require.NoError(t, err)
	return e, rec
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HeatCritical = 0.2
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heat_critical")

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestInboundValidation(t *testing.T) {
	cfg := steadyConfig(1)
	cfg.Ledger.AllowedSources = []types.Source{types.SourceCognitiveLoad, types.SourceDrift}
	e, _ := newTestEngine(t, cfg)

	assert.ErrorIs(t, e.Ingest("boredom", 1), types.ErrUnknownSource)
	assert.ErrorIs(t, e.Ingest("drift", -1), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, e.Ingest("external-signal", 1), ledger.ErrSourceNotAllowed)
	assert.NoError(t, e.Ingest("cognitive_load", 1))

	_, err := e.OpenValve("interpretive-dance", 0.5, "")
	assert.ErrorIs(t, err, types.ErrUnknownValve)
	_, err = e.OpenValve("verbal", 1.5, "")
	assert.ErrorIs(t, err, valve.ErrInvalidIntensity)
	_, err = e.OpenValve("verbal", 0.5, "boredom")
	assert.ErrorIs(t, err, types.ErrUnknownSource)

	assert.ErrorIs(t, e.CancelValve("nope"), valve.ErrEventNotFound)
}

func TestQueueLimit(t *testing.T) {
	e, _ := newTestEngine(t, steadyConfig(1), func(o *Options) { o.QueueLimit = 2 })

	require.NoError(t, e.Ingest("drift", 1))
	require.NoError(t, e.Ingest("drift", 1))
	assert.ErrorIs(t, e.Ingest("drift", 1), ErrQueueFull)
}

func TestZoneScenario(t *testing.T) {
	e, rec := newTestEngine(t, steadyConfig(3))

	// pressure reaches 2.0, then 4.5, then 7.5 against a ceiling of 10
	follow := map[uint64]float64{1: 2.5, 2: 3.0}
	var published []types.Snapshot
	e.Subscribe(PublisherFunc(func(s types.Snapshot) {
		published = append(published, s)
		if amt, ok := follow[s.Tick]; ok {
			require.NoError(t, e.Ingest("cognitive-load", amt))
		}
	}))
	require.NoError(t, e.Ingest("cognitive-load", 2.0))

	res := e.Run(context.Background())
	require.Equal(t, scheduler.Completed, res.Reason)
	require.Len(t, published, 3)

	assert.Equal(t, types.ZoneCalm, published[0].Zone)
	assert.InDelta(t, 2.0, published[0].Pressure, 1e-9)
	assert.Equal(t, types.ZoneActive, published[1].Zone)
	assert.InDelta(t, 4.5, published[1].Pressure, 1e-9)
	assert.Equal(t, types.ZoneSurge, published[2].Zone)
	assert.InDelta(t, 7.5, published[2].Pressure, 1e-9)

	transitions := rec.OfType(events.AlertZoneTransition)
	require.Len(t, transitions, 2)
	assert.Equal(t, types.ZoneCalm, transitions[0].From)
	assert.Equal(t, types.ZoneActive, transitions[0].To)
	assert.Equal(t, uint64(2), transitions[0].Tick)
	assert.Equal(t, types.ZoneSurge, transitions[1].To)
	assert.Equal(t, uint64(3), transitions[1].Tick)
	assert.Empty(t, rec.OfType(events.AlertThermal))

	snap := e.Snapshot()
	assert.Equal(t, uint64(3), snap.Tick)
	assert.Equal(t, types.ZoneSurge, snap.Zone)
	assert.Len(t, e.ZoneHistory(), 3)
}

func TestCriticalOverheatStopsEngine(t *testing.T) {
	e, rec := newTestEngine(t, steadyConfig(10))
	require.NoError(t, e.Ingest("processing-spike", 12))

	res := e.Run(context.Background())
	assert.Equal(t, scheduler.CriticalOverheat, res.Reason)
	assert.Equal(t, uint64(1), res.Ticks)
	assert.ErrorIs(t, res.Err(), scheduler.ErrCriticalOverheat)

	assert.Len(t, rec.OfType(events.AlertOverflow), 1)
	assert.Len(t, rec.OfType(events.AlertThermal), 3)
	overheat := rec.OfType(events.AlertCriticalOverheat)
	require.Len(t, overheat, 1)
	assert.Equal(t, events.SeverityCritical, overheat[0].Severity)

	snap := e.Snapshot()
	assert.True(t, snap.Overflow)
	assert.InDelta(t, 10.0, snap.Pressure, 1e-9)
	assert.False(t, e.Running())
}

func TestValveSettlesIntoLedger(t *testing.T) {
	e, _ := newTestEngine(t, steadyConfig(5))
	require.NoError(t, e.Ingest("cognitive-load", 5))
	id, err := e.OpenValve("verbal", 1.0, "")
	require.NoError(t, err)

	res := e.Run(context.Background())
	require.Equal(t, scheduler.Completed, res.Reason)

	// admitted and activated at 1, settles once the 3 tick hold has elapsed
	ev, ok := e.Event(id)
	require.True(t, ok)
	assert.Equal(t, types.EventSettled, ev.State)
	assert.Equal(t, uint64(1), ev.StartTick)
	assert.Equal(t, uint64(4), ev.EndTick)
	assert.Equal(t, types.SourceCognitiveLoad, ev.SourceHint)
	assert.InDelta(t, 0.6, ev.PressureDrop, 1e-9)

	snap := e.Snapshot()
	assert.InDelta(t, 4.4, snap.Pressure, 1e-9)
	assert.InDelta(t, 4.4, snap.Sources[types.SourceCognitiveLoad], 1e-9)
	assert.Empty(t, snap.Active)
}

func TestValveHistoryAndLateSinks(t *testing.T) {
	e, rec := newTestEngine(t, steadyConfig(5))
	late := &events.Recorder{}
	e.AddSink(late)
	e.AddSink(nil)

	require.NoError(t, e.Ingest("drift", 8))
	settledID, err := e.OpenValve("pattern-synthesis", 0.5, "drift")
	require.NoError(t, err)
	cancelledID, err := e.OpenValve("conceptual", 0.5, "")
	require.NoError(t, err)
	require.NoError(t, e.CancelValve(cancelledID))

	e.Run(context.Background())

	history := e.ValveHistory()
	require.Len(t, history, 2)
	assert.Equal(t, cancelledID, history[0].ID, "cancelled before activation, archived first")
	assert.Equal(t, types.EventCancelled, history[0].State)
	assert.Equal(t, settledID, history[1].ID)
	assert.Equal(t, types.EventSettled, history[1].State)
	assert.Equal(t, uint64(4), history[1].EndTick)

	require.NotEmpty(t, rec.Alerts())
	assert.Equal(t, rec.Alerts(), late.Alerts(), "sinks added after New see every alert")
}

func TestCancelQueuedValve(t *testing.T) {
	e, _ := newTestEngine(t, steadyConfig(2))
	id, err := e.OpenValve("creative", 0.5, "")
	require.NoError(t, err)
	require.NoError(t, e.CancelValve(id))

	e.Run(context.Background())

	ev, ok := e.Event(id)
	require.True(t, ok)
	assert.Equal(t, types.EventCancelled, ev.State)
	assert.ErrorIs(t, e.CancelValve(id), valve.ErrNotCancellable)
}

func TestReloadAppliesAtNextCycle(t *testing.T) {
	e, rec := newTestEngine(t, steadyConfig(2))

	bad := steadyConfig(2)
	bad.Zones.Low = 0.9
	assert.Error(t, e.Reload(bad))

	next := steadyConfig(2)
	next.HeatCritical = 0.9
	next.StagePriorities[config.StageAdvisory] = 1
	require.NoError(t, e.Reload(next))
	assert.Equal(t, 0.95, e.Config().HeatCritical, "reload is staged, not applied")

	e.Run(context.Background())

	assert.Equal(t, 0.9, e.Config().HeatCritical)
	reloads := rec.OfType(events.AlertConfigReloaded)
	require.Len(t, reloads, 1)
	assert.Equal(t, uint64(1), reloads[0].Tick)
	assert.Equal(t, config.StageAdvisory, e.sched.StageNames()[0])
}

func TestAdvisoryResponseReachesSnapshot(t *testing.T) {
	cfg := steadyConfig(2)
	cfg.Advisory.Enabled = true
	cfg.Advisory.Trigger = 0.5

	var mu sync.Mutex
	var requests []advisory.Request
	advisor := advisory.AdvisorFunc(func(ctx context.Context, req advisory.Request) (*types.AdvisoryResponse, error) {
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		return &types.AdvisoryResponse{Advice: "hold steady"}, nil
	})

	e, rec := newTestEngine(t, cfg, func(o *Options) { o.Advisor = advisor })
	e.Subscribe(PublisherFunc(func(s types.Snapshot) {
		if s.Tick == 1 {
			// let the call dispatched at tick 1 finish before tick 2 collects it
			e.gate.Wait()
		}
	}))

	e.Run(context.Background())

	mu.Lock()
	require.Len(t, requests, 1)
	assert.Equal(t, uint64(1), requests[0].Tick)
	require.NotNil(t, requests[0].Snapshot)
	mu.Unlock()

	snap := e.Snapshot()
	require.NotNil(t, snap.Advisory)
	assert.Equal(t, "hold steady", snap.Advisory.Advice)
	assert.Equal(t, uint64(1), snap.Advisory.Tick)
	assert.Len(t, rec.OfType(events.AlertAdvisoryResponse), 1)
	assert.Equal(t, 1, e.Status().AdvisoryLastHour)
}

func TestExternalHealthLowersCoherence(t *testing.T) {
	healthy, _ := newTestEngine(t, steadyConfig(1))
	healthy.Run(context.Background())

	sick, _ := newTestEngine(t, steadyConfig(1))
	sick.SetExternalHealth(0)
	sick.Run(context.Background())

	assert.Less(t, sick.Snapshot().Coherence, healthy.Snapshot().Coherence)
	assert.Equal(t, 0.0, sick.Status().ExternalHealth)
}

func TestCanceledRunStopsCleanly(t *testing.T) {
	e, _ := newTestEngine(t, steadyConfig(0))
	ctx, cancel := context.WithCancel(context.Background())
	e.Subscribe(PublisherFunc(func(s types.Snapshot) {
		if s.Tick == 4 {
			cancel()
		}
	}))

	res := e.Run(ctx)
	assert.Equal(t, scheduler.Canceled, res.Reason)
	assert.Equal(t, uint64(4), res.Ticks)
	assert.NoError(t, res.Err())
}
