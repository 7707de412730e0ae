// Package ledger accumulates per-source pressure, decays it each tick and
// aggregates it against an awareness-adjusted ceiling.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/types"
)

var (
	// ErrInvalidAmount is returned for negative, NaN or infinite amounts
	ErrInvalidAmount = errors.New("invalid pressure amount")
	// ErrSourceNotAllowed is returned when a known source is excluded by allowed_sources
	ErrSourceNotAllowed = errors.New("pressure source not allowed")
	// ErrAlreadyApplied is returned when a relief for the same event ID is applied twice
	ErrAlreadyApplied = errors.New("relief already applied for event")
)

// sigmoidSteepness is k in σ(k*(v/ceiling - 0.5))
const sigmoidSteepness = 10.0

// appliedMemory bounds how many relief event IDs are remembered
const appliedMemory = 4096

// Ledger is the heat ledger. The scheduler goroutine is the only writer;
// readers on other goroutines get copies.
type Ledger struct {
	mu sync.RWMutex

	baseCeiling    float64
	momentumWindow int
	decay          map[types.Source]types.DecayPolicy
	allowed        map[types.Source]bool // nil allows every known source

	sources   map[types.Source]*types.PressureSource
	lastDecay map[types.Source]uint64
	tick      uint64

	adjustment types.Adjustment
	state      types.ThermalState
	aggregated bool
	prevPress  float64
	hasPrev    bool
	rates      []float64

	applied      map[string]struct{}
	appliedOrder []string

	now func() time.Time
}

// New creates a ledger from cfg. cfg must already be validated.
func New(cfg *config.Config) *Ledger {
	l := &Ledger{
		sources:   make(map[types.Source]*types.PressureSource),
		lastDecay: make(map[types.Source]uint64),
		applied:   make(map[string]struct{}),
		now:       time.Now,
	}
	l.reconfigure(cfg)
	l.state.Ceiling = l.baseCeiling
	return l
}

// Reconfigure applies a reloaded configuration without dropping accumulated values
func (l *Ledger) Reconfigure(cfg *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconfigure(cfg)
}

func (l *Ledger) reconfigure(cfg *config.Config) {
	l.baseCeiling = cfg.Ledger.BaseCeiling
	l.momentumWindow = cfg.Ledger.MomentumWindow
	if l.momentumWindow < 1 {
		l.momentumWindow = 1
	}
	if len(l.rates) > l.momentumWindow {
		l.rates = append([]float64(nil), l.rates[len(l.rates)-l.momentumWindow:]...)
	}

	l.decay = make(map[types.Source]types.DecayPolicy, len(cfg.Ledger.Decay))
	for src, p := range cfg.Ledger.Decay {
		l.decay[src] = p
	}
	for src, ps := range l.sources {
		ps.Decay = l.decay[src]
	}

	l.allowed = nil
	if len(cfg.Ledger.AllowedSources) > 0 {
		l.allowed = make(map[types.Source]bool, len(cfg.Ledger.AllowedSources))
		for _, src := range cfg.Ledger.AllowedSources {
			l.allowed[src] = true
		}
	}
}

// CheckSource reports whether src may be ingested
func (l *Ledger) CheckSource(src types.Source) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkSource(src)
}

func (l *Ledger) checkSource(src types.Source) error {
	if !src.IsValid() {
		return fmt.Errorf("%w: %q", types.ErrUnknownSource, src)
	}
	if l.allowed != nil && !l.allowed[src] {
		return fmt.Errorf("%w: %s", ErrSourceNotAllowed, src)
	}
	return nil
}

// ValidateAmount checks that amount can be added or relieved
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}

// Ingest adds amount to src. Sources are created on first contribution.
func (l *Ledger) Ingest(src types.Source, amount float64) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkSource(src); err != nil {
		return err
	}

	ps := l.source(src)
	ps.Value += amount
	ps.LastUpdateTick = l.tick
	ps.LastUpdated = l.now()
	return nil
}

// Relieve subtracts drop from src on behalf of a settled expression event.
// Each event ID is applied at most once; the source never goes below zero.
func (l *Ledger) Relieve(src types.Source, drop float64, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("relief requires an event ID")
	}
	if err := ValidateAmount(drop); err != nil {
		return err
	}
	if !src.IsValid() {
		return fmt.Errorf("%w: %q", types.ErrUnknownSource, src)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.applied[eventID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyApplied, eventID)
	}
	l.remember(eventID)

	ps, ok := l.sources[src]
	if !ok {
		return nil
	}
	ps.Value = math.Max(0, ps.Value-drop)
	ps.LastUpdateTick = l.tick
	ps.LastUpdated = l.now()
	return nil
}

func (l *Ledger) remember(eventID string) {
	l.applied[eventID] = struct{}{}
	l.appliedOrder = append(l.appliedOrder, eventID)
	if len(l.appliedOrder) > appliedMemory {
		delete(l.applied, l.appliedOrder[0])
		l.appliedOrder = l.appliedOrder[1:]
	}
}

func (l *Ledger) source(src types.Source) *types.PressureSource {
	ps, ok := l.sources[src]
	if !ok {
		ps = &types.PressureSource{Source: src, Decay: l.decay[src]}
		l.sources[src] = ps
		l.lastDecay[src] = l.tick
	}
	return ps
}

// DecayTick applies every source's decay policy scaled by the ticks elapsed
// since that source last decayed.
func (l *Ledger) DecayTick(tick uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ceiling := l.state.Ceiling
	if ceiling <= 0 {
		ceiling = l.baseCeiling
	}

	for src, ps := range l.sources {
		last := l.lastDecay[src]
		if tick <= last {
			continue
		}
		ps.Value = Decay(ps.Value, ps.Decay, tick-last, ceiling)
		l.lastDecay[src] = tick
	}
	if tick > l.tick {
		l.tick = tick
	}
}

// Decay returns v after n ticks of policy p. The result is never negative
// and never greater than v.
func Decay(v float64, p types.DecayPolicy, n uint64, ceiling float64) float64 {
	if v <= 0 || n == 0 || p.Rate <= 0 {
		return math.Max(0, v)
	}

	switch p.Kind {
	case types.DecayLinear:
		v -= p.Rate * float64(n)
	case types.DecayExponential:
		v *= math.Pow(1-p.Rate, float64(n))
	case types.DecaySigmoid:
		for i := uint64(0); i < n && v > 0; i++ {
			x := 0.5
			if ceiling > 0 {
				x = v / ceiling
			}
			v -= v * p.Rate * sigmoid(sigmoidSteepness*(x-0.5))
		}
	}

	return math.Max(0, v)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// SetAdjustment stores the awareness adjustment used by the next Aggregate
func (l *Ledger) SetAdjustment(a types.Adjustment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adjustment = a
}

// Aggregate sums the sources against the adjusted ceiling, clips on overflow
// and updates momentum. Calling it again for the same tick recomputes that
// tick's values against the previous tick's pressure.
func (l *Ledger) Aggregate(tick uint64, interval time.Duration) types.ThermalState {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTick := !l.aggregated || tick != l.state.Tick
	if newTick && l.aggregated {
		l.prevPress = l.state.Pressure
		l.hasPrev = true
	}

	ceiling := l.adjustment.Apply(l.baseCeiling)

	var raw float64
	for _, ps := range l.sources {
		raw += ps.Value
	}

	pressure := raw
	overflow := raw > ceiling
	if overflow {
		scale := 0.0
		if raw > 0 && ceiling > 0 {
			scale = ceiling / raw
		}
		for _, ps := range l.sources {
			ps.Value *= scale
		}
		pressure = math.Max(0, ceiling)
	}

	if l.hasPrev && interval > 0 {
		rate := (pressure - l.prevPress) / interval.Seconds()
		if newTick || len(l.rates) == 0 {
			l.rates = append(l.rates, rate)
			if len(l.rates) > l.momentumWindow {
				l.rates = l.rates[1:]
			}
		} else {
			l.rates[len(l.rates)-1] = rate
		}
	}

	var momentum float64
	if len(l.rates) > 0 {
		for _, r := range l.rates {
			momentum += r
		}
		momentum /= float64(len(l.rates))
	}

	ratio := 0.0
	switch {
	case ceiling > 0:
		ratio = pressure / ceiling
	case pressure > 0:
		ratio = math.Inf(1)
	}

	l.state = types.ThermalState{
		Pressure:    pressure,
		RawPressure: raw,
		Ceiling:     ceiling,
		Ratio:       ratio,
		Momentum:    momentum,
		Adjustment:  l.adjustment.Value(),
		Overflow:    overflow,
		Tick:        tick,
	}
	l.aggregated = true
	if tick > l.tick {
		l.tick = tick
	}

	return l.state
}

// State returns the most recent aggregate
func (l *Ledger) State() types.ThermalState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Ratio returns the most recent pressure ratio
func (l *Ledger) Ratio() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Ratio
}

// Sources returns copies of every source in canonical order
func (l *Ledger) Sources() []types.PressureSource {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.PressureSource, 0, len(l.sources))
	for _, src := range types.AllSources {
		if ps, ok := l.sources[src]; ok {
			out = append(out, *ps)
		}
	}
	return out
}

// Values returns the current value of each source
func (l *Ledger) Values() map[types.Source]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[types.Source]float64, len(l.sources))
	for src, ps := range l.sources {
		out[src] = ps.Value
	}
	return out
}
