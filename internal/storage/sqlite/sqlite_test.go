package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func snapshotAt(tick uint64, ts time.Time) *types.Snapshot {
	return &types.Snapshot{
		Tick:      tick,
		Timestamp: ts,
		Pressure:  4.5,
		Ceiling:   10,
		Ratio:     0.45,
		Zone:      types.ZoneActive,
		Coherence: 0.72,
		Trend:     types.TrendRising,
		Sources:   map[types.Source]float64{types.SourceCognitiveLoad: 4.5},
	}
}

func alertAt(typ events.AlertType, sev events.Severity, tick uint64, ts time.Time) *events.Alert {
	a := events.NewConfigReloaded(tick)
	a.Type = typ
	a.Severity = sev
	a.Timestamp = ts
	return &a
}

func TestNewMigratesFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "thermal.db")
	store, err := New(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(schemaMigrations), version)
	assert.Equal(t, path, store.Path())

	require.NoError(t, store.Close())

	// reopening an existing database applies nothing new
	again, err := New(path)
	require.NoError(t, err)
	defer func() { _ = again.Close() }()
	version, err = again.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(schemaMigrations), version)
}

func TestSnapshotsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, store.RecordSnapshot(ctx, snapshotAt(i, base.Add(time.Duration(i)*time.Second))))
	}
	assert.Error(t, store.RecordSnapshot(ctx, nil))

	got, err := store.RecentSnapshots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Tick)
	assert.Equal(t, uint64(2), got[1].Tick)
	assert.Equal(t, types.ZoneActive, got[0].Zone)
	assert.InDelta(t, 4.5, got[0].Sources[types.SourceCognitiveLoad], 1e-9)
	assert.True(t, got[0].Timestamp.Equal(base.Add(3*time.Second)))
}

func TestAlertsFilterAndDedup(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	zt := events.NewZoneTransition(types.ZoneActive, types.ZoneSurge, 4, 0.75)
	zt.Timestamp = base
	require.NoError(t, store.RecordAlert(ctx, &zt))
	require.NoError(t, store.RecordAlert(ctx, &zt), "duplicate IDs are ignored")

	th := events.NewThermalAlert(events.LevelCritical, 0.91, 5)
	th.Timestamp = base.Add(time.Second)
	require.NoError(t, store.RecordAlert(ctx, &th))

	of := events.NewOverflow(12, 10, 6)
	of.Timestamp = base.Add(2 * time.Second)
	require.NoError(t, store.RecordAlert(ctx, &of))

	all, err := store.RecentAlerts(ctx, events.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events.AlertOverflow, all[0].Type)
	assert.InDelta(t, 2.0, all[0].Data["clipped"], 1e-9)

	transitions, err := store.RecentAlerts(ctx, events.AlertFilter{Type: events.AlertZoneTransition})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, types.ZoneActive, transitions[0].From)
	assert.Equal(t, types.ZoneSurge, transitions[0].To)
	assert.Equal(t, uint64(4), transitions[0].Tick)

	errs, err := store.RecentAlerts(ctx, events.AlertFilter{Severity: events.SeverityError})
	require.NoError(t, err)
	assert.Len(t, errs, 2)

	window, err := store.RecentAlerts(ctx, events.AlertFilter{Since: base.Add(time.Second), Until: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, events.LevelCritical, window[0].Level)

	limited, err := store.RecentAlerts(ctx, events.AlertFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, store.RecordSnapshot(ctx, snapshotAt(i, old)))
	}
	require.NoError(t, store.RecordSnapshot(ctx, snapshotAt(6, now)))

	require.NoError(t, store.RecordAlert(ctx, alertAt(events.AlertZoneTransition, events.SeverityInfo, 1, old)))
	require.NoError(t, store.RecordAlert(ctx, alertAt(events.AlertThermal, events.SeverityWarning, 2, old)))
	require.NoError(t, store.RecordAlert(ctx, alertAt(events.AlertOverflow, events.SeverityError, 3, old)))
	require.NoError(t, store.RecordAlert(ctx, alertAt(events.AlertCriticalOverheat, events.SeverityCritical, 4, old)))
	require.NoError(t, store.RecordAlert(ctx, alertAt(events.AlertZoneTransition, events.SeverityInfo, 5, now)))

	// critical alerts keep a longer window, so they survive this prune
	counts, err := store.PruneBefore(ctx, now.Add(-time.Hour), now.Add(-time.Hour), now.Add(-72*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Snapshots)
	assert.Equal(t, 2, counts.Alerts)
	assert.Equal(t, 0, counts.CriticalAlerts)
	assert.Equal(t, 7, counts.Total())

	c, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Snapshots)
	assert.Equal(t, 3, c.Alerts)
	assert.Equal(t, 1, c.AlertsBySeverity["critical"])
	assert.Equal(t, 1, c.AlertsByType[string(events.AlertOverflow)])

	counts, err = store.PruneBefore(ctx, time.Time{}, time.Time{}, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.CriticalAlerts)
	assert.Equal(t, 0, counts.Snapshots)

	_, err = store.PruneBefore(ctx, now, now, now, 0)
	assert.Error(t, err)
	require.NoError(t, store.Vacuum(ctx))
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	v, err := store.GetMetadata(ctx, "last_tick")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SetMetadata(ctx, "last_tick", "12"))
	require.NoError(t, store.SetMetadata(ctx, "last_tick", "13"))
	v, err = store.GetMetadata(ctx, "last_tick")
	require.NoError(t, err)
	assert.Equal(t, "13", v)
}
