package events

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/steveyegge/thermal/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestLevelRankAndSeverity(t *testing.T) {
	assert.Less(t, LevelNone.Rank(), LevelWarning.Rank())
	assert.Less(t, LevelWarning.Rank(), LevelCritical.Rank())
	assert.Less(t, LevelCritical.Rank(), LevelEmergency.Rank())

	assert.Equal(t, SeverityWarning, LevelWarning.Severity())
	assert.Equal(t, SeverityError, LevelCritical.Severity())
	assert.Equal(t, SeverityCritical, LevelEmergency.Severity())
	assert.Equal(t, SeverityInfo, LevelNone.Severity())
}

func TestConstructors(t *testing.T) {
	zt := NewZoneTransition(types.ZoneActive, types.ZoneSurge, 7, 0.75)
	assert.Equal(t, AlertZoneTransition, zt.Type)
	assert.Equal(t, types.ZoneActive, zt.From)
	assert.Equal(t, types.ZoneSurge, zt.To)
	assert.Equal(t, uint64(7), zt.Tick)
	assert.Equal(t, SeverityWarning, zt.Severity)
	assert.NotEmpty(t, zt.ID)

	ta := NewThermalAlert(LevelCritical, 0.91, 3)
	assert.Equal(t, AlertThermal, ta.Type)
	assert.Equal(t, LevelCritical, ta.Level)
	assert.Equal(t, 0.91, ta.Ratio)

	of := NewOverflow(12, 10, 5)
	assert.InDelta(t, 1.2, of.Ratio, 1e-9)
	assert.InDelta(t, 2.0, of.Data["clipped"], 1e-9)

	fe := NewFatalErrorBudgetExceeded(9, 3, errors.New("disk on fire"))
	assert.Contains(t, fe.Message, "disk on fire")
	assert.Equal(t, SeverityCritical, fe.Severity)

	co := NewCriticalOverheat(0.97, 0.95, 11)
	assert.Equal(t, AlertCriticalOverheat, co.Type)

	adv := NewAdvisoryResponse(&types.AdvisoryResponse{ID: "x", Tick: 2, Score: 0.85, Advice: "slow down", Latency: 40 * time.Millisecond})
	assert.Equal(t, int64(40), adv.Data["latency_ms"])
}

func TestMultiSinkFansOut(t *testing.T) {
	var a, b Recorder
	var calls int
	m := NewMultiSink(&a, nil, SinkFunc(func(Alert) { calls++ }))
	m.Add(&b)

	m.Emit(NewConfigReloaded(1))
	m.Emit(NewThermalAlert(LevelWarning, 0.8, 2))

	assert.Len(t, a.Alerts(), 2)
	assert.Len(t, b.Alerts(), 2)
	assert.Equal(t, 2, calls)
	assert.Len(t, a.OfType(AlertThermal), 1)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	s.Emit(NewConfigReloaded(1))
	s.Emit(NewZoneTransition(types.ZoneActive, types.ZoneSurge, 2, 0.72))
	s.Emit(NewCriticalOverheat(0.97, 0.95, 3))

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "to=surge")
}
