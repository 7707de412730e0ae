// Package zone classifies the pressure ratio into operating zones and raises
// zone transition, thermal level and overflow alerts.
package zone

import (
	"math"
	"sync"

	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/types"
)

// Classify maps a ratio to a zone: ratio < low is Calm, ratio >= high is
// Surge, everything else is Active. NaN classifies as Surge.
func Classify(ratio float64, th config.ZoneThresholds) types.Zone {
	switch {
	case math.IsNaN(ratio):
		return types.ZoneSurge
	case ratio < th.Low:
		return types.ZoneCalm
	case ratio >= th.High:
		return types.ZoneSurge
	default:
		return types.ZoneActive
	}
}

// ClassifyPressure classifies pressure/ceiling. A non-positive ceiling with
// positive pressure is Surge; with no pressure it is Calm.
func ClassifyPressure(pressure, ceiling float64, th config.ZoneThresholds) types.Zone {
	if ceiling <= 0 || math.IsNaN(ceiling) {
		if pressure > 0 || math.IsNaN(pressure) {
			return types.ZoneSurge
		}
		return types.ZoneCalm
	}
	return Classify(pressure/ceiling, th)
}

// LevelFor returns the highest alert level at or below ratio
func LevelFor(ratio float64, th config.AlertThresholds) events.Level {
	switch {
	case math.IsNaN(ratio), ratio >= th.Emergency:
		return events.LevelEmergency
	case ratio >= th.Critical:
		return events.LevelCritical
	case ratio >= th.Warning:
		return events.LevelWarning
	default:
		return events.LevelNone
	}
}

var levelLadder = []events.Level{events.LevelWarning, events.LevelCritical, events.LevelEmergency}

// Record is one stay in a zone
type Record struct {
	Zone        types.Zone `json:"zone"`
	EnteredTick uint64     `json:"entered_tick"`
	ExitedTick  uint64     `json:"exited_tick,omitempty"`
	Open        bool       `json:"open"`
	// Coherence is the coherence score when the zone was entered
	Coherence float64 `json:"coherence"`
}

// Tracker follows zone changes across ticks
type Tracker struct {
	mu sync.RWMutex

	zones    config.ZoneThresholds
	alerts   config.AlertThresholds
	capacity int

	history []Record // oldest first; the last record is open once started
	level   events.Level
	started bool
}

// NewTracker creates a tracker from cfg
func NewTracker(cfg *config.Config) *Tracker {
	t := &Tracker{}
	t.reconfigure(cfg)
	return t
}

// Reconfigure applies new thresholds and ring capacity. The open record is kept.
func (t *Tracker) Reconfigure(cfg *config.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconfigure(cfg)
}

func (t *Tracker) reconfigure(cfg *config.Config) {
	t.zones = cfg.Zones
	t.alerts = cfg.Alerts
	t.capacity = cfg.ZoneHistory
	if t.capacity < 1 {
		t.capacity = 1
	}
	t.trim()
}

// OnTick classifies the aggregate for tick and returns the alerts it raises.
// The first call opens the first record without an alert.
func (t *Tracker) OnTick(tick uint64, st types.ThermalState, coherence float64) []events.Alert {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []events.Alert
	zone := ClassifyPressure(st.Pressure, st.Ceiling, t.zones)

	switch {
	case !t.started:
		t.open(zone, tick, coherence)
		t.started = true
	case zone != t.history[len(t.history)-1].Zone:
		prev := &t.history[len(t.history)-1]
		prev.ExitedTick = tick
		prev.Open = false
		out = append(out, events.NewZoneTransition(prev.Zone, zone, tick, st.Ratio))
		t.open(zone, tick, coherence)
	}

	ratio := st.RawRatio()
	level := LevelFor(ratio, t.alerts)
	if level.Rank() > t.level.Rank() {
		for _, l := range levelLadder {
			if l.Rank() > t.level.Rank() && l.Rank() <= level.Rank() {
				out = append(out, events.NewThermalAlert(l, ratio, tick))
			}
		}
	}
	t.level = level

	if st.Overflow {
		out = append(out, events.NewOverflow(st.RawPressure, st.Ceiling, tick))
	}

	return out
}

func (t *Tracker) open(zone types.Zone, tick uint64, coherence float64) {
	t.history = append(t.history, Record{Zone: zone, EnteredTick: tick, Open: true, Coherence: coherence})
	t.trim()
}

func (t *Tracker) trim() {
	if len(t.history) > t.capacity {
		t.history = append([]Record(nil), t.history[len(t.history)-t.capacity:]...)
	}
}

// Current returns the zone of the open record
func (t *Tracker) Current() (types.Zone, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started {
		return "", false
	}
	return t.history[len(t.history)-1].Zone, true
}

// Level returns the thermal alert level reached on the last tick
func (t *Tracker) Level() events.Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.level
}

// History returns the zone records, oldest first
func (t *Tracker) History() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.history...)
}
