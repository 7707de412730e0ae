package config

import (
	"fmt"
	"math"
	"time"

	"github.com/steveyegge/thermal/internal/types"
)

// Hard limits that no configuration can move
const (
	// HeatCriticalCeiling is the safety floor for the overheat shutdown:
	// heat_critical can never be configured above it, so the clipped
	// ratio (at most 1.0) can always trigger CriticalOverheat.
	HeatCriticalCeiling = 0.99
	// HeatCriticalMin keeps the overheat check from firing in normal operation
	HeatCriticalMin = 0.5

	hardMinTickInterval = time.Millisecond
	hardMaxTickInterval = time.Hour
)

// Stage names used as keys in StagePriorities
const (
	StageLedger    = "ledger"
	StageValves    = "valves"
	StageZones     = "zones"
	StageCoherence = "coherence"
	StageAdvisory  = "advisory"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("250ms", "30s") in JSON, YAML and TOML files.
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// ZoneThresholds are the ratio boundaries between Calm/Active and Active/Surge
type ZoneThresholds struct {
	Low  float64 `json:"low" yaml:"low" toml:"low"`
	High float64 `json:"high" yaml:"high" toml:"high"`
}

// AlertThresholds are the ratio levels for escalating thermal alerts
type AlertThresholds struct {
	Warning   float64 `json:"warning" yaml:"warning" toml:"warning"`
	Critical  float64 `json:"critical" yaml:"critical" toml:"critical"`
	Emergency float64 `json:"emergency" yaml:"emergency" toml:"emergency"`
}

// LedgerConfig holds heat ledger settings
type LedgerConfig struct {
	// BaseCeiling is the ceiling before the awareness adjustment
	// Default: 10
	BaseCeiling float64 `json:"base_ceiling" yaml:"base_ceiling" toml:"base_ceiling"`

	// MomentumWindow is how many per-tick rates are averaged into momentum
	// Default: 1 (momentum = (current - previous) / interval)
	MomentumWindow int `json:"momentum_window" yaml:"momentum_window" toml:"momentum_window"`

	// Decay maps each source to its decay policy
	Decay map[types.Source]types.DecayPolicy `json:"decay" yaml:"decay" toml:"decay"`

	// AllowedSources restricts which sources may be ingested. Empty allows all.
	AllowedSources []types.Source `json:"allowed_sources,omitempty" yaml:"allowed_sources,omitempty" toml:"allowed_sources,omitempty"`
}

// ValveConfig holds release valve settings
type ValveConfig struct {
	// Efficiency maps each valve to its cooling coefficient in (0, 1]
	Efficiency map[types.Valve]float64 `json:"efficiency" yaml:"efficiency" toml:"efficiency"`

	// HoldTicks is how many ticks an event stays Active before settling
	// Default: 3
	HoldTicks uint64 `json:"hold_ticks" yaml:"hold_ticks" toml:"hold_ticks"`

	// BonusMultiplier compounds per additional concurrently Active event
	// Default: 1.25
	BonusMultiplier float64 `json:"bonus_multiplier" yaml:"bonus_multiplier" toml:"bonus_multiplier"`

	// BonusCap bounds the compounded multiplier
	// Default: 1.5
	BonusCap float64 `json:"bonus_cap" yaml:"bonus_cap" toml:"bonus_cap"`

	// HistorySize is how many terminal events are archived
	// Default: 256
	HistorySize int `json:"history_size" yaml:"history_size" toml:"history_size"`
}

// CoherenceWeights are the relative weights of the four coherence inputs
type CoherenceWeights struct {
	Stability float64 `json:"stability" yaml:"stability" toml:"stability"`
	Momentum  float64 `json:"momentum" yaml:"momentum" toml:"momentum"`
	Health    float64 `json:"health" yaml:"health" toml:"health"`
	Balance   float64 `json:"balance" yaml:"balance" toml:"balance"`
}

// Sum returns the total weight
func (w CoherenceWeights) Sum() float64 {
	return w.Stability + w.Momentum + w.Health + w.Balance
}

// CoherenceConfig holds coherence monitor settings
type CoherenceConfig struct {
	Weights CoherenceWeights `json:"weights" yaml:"weights" toml:"weights"`

	// MomentumScale is the |momentum| (pressure per second) treated as fully unstable
	// Default: 1.0
	MomentumScale float64 `json:"momentum_scale" yaml:"momentum_scale" toml:"momentum_scale"`

	// BalanceTarget is the ratio considered perfectly balanced
	// Default: 0.5
	BalanceTarget float64 `json:"balance_target" yaml:"balance_target" toml:"balance_target"`

	// AwarenessGain converts (score - 0.5) into a ceiling adjustment
	// Default: 0.4
	AwarenessGain float64 `json:"awareness_gain" yaml:"awareness_gain" toml:"awareness_gain"`

	// TrendWindow is how many scores are kept for Trend()
	// Default: 10
	TrendWindow int `json:"trend_window" yaml:"trend_window" toml:"trend_window"`

	// TrendBand is the hysteresis band for Trend()
	// Default: 0.05
	TrendBand float64 `json:"trend_band" yaml:"trend_band" toml:"trend_band"`
}

// AdvisoryConfig holds advisory escalation gate settings
type AdvisoryConfig struct {
	// Enabled controls whether the gate may call the advisor at all
	// Default: true
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// Trigger is the coherence score that must be crossed from below (scup_trigger)
	// Default: 0.8
	Trigger float64 `json:"scup_trigger" yaml:"scup_trigger" toml:"scup_trigger"`

	// Cooldown is the minimum time between invocations
	// Default: 30s
	Cooldown Duration `json:"cooldown" yaml:"cooldown" toml:"cooldown"`

	// MaxQueriesPerHour caps invocations over any trailing hour
	// Default: 10
	MaxQueriesPerHour int `json:"max_queries_per_hour" yaml:"max_queries_per_hour" toml:"max_queries_per_hour"`

	// Timeout bounds a single advisory call; a timeout counts as declined
	// Default: 20s
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`

	// Model overrides the advisory model name (empty uses the advisor default)
	Model string `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
}

// Config is the complete engine configuration
type Config struct {
	// TickInterval is the fixed cadence of the scheduler
	// Default: 1s
	TickInterval Duration `json:"tick_interval" yaml:"tick_interval" toml:"tick_interval"`

	// MinTickInterval and MaxTickInterval bound TickInterval
	// Defaults: 10ms and 1m
	MinTickInterval Duration `json:"min_tick_interval" yaml:"min_tick_interval" toml:"min_tick_interval"`
	MaxTickInterval Duration `json:"max_tick_interval" yaml:"max_tick_interval" toml:"max_tick_interval"`

	// MaxErrors is the consecutive-error budget before a fatal shutdown
	// Default: 3
	MaxErrors int `json:"max_errors" yaml:"max_errors" toml:"max_errors"`

	// ErrorRetryDelay is slept after a failed cycle
	// Default: 500ms
	ErrorRetryDelay Duration `json:"error_retry_delay" yaml:"error_retry_delay" toml:"error_retry_delay"`

	// MaxTicks stops the loop cleanly after this many cycles; 0 means unbounded
	MaxTicks uint64 `json:"max_ticks" yaml:"max_ticks" toml:"max_ticks"`

	// HeatCritical is the ratio that forces an immediate shutdown
	// Default: 0.95, never above HeatCriticalCeiling
	HeatCritical float64 `json:"heat_critical" yaml:"heat_critical" toml:"heat_critical"`

	Zones     ZoneThresholds  `json:"zones" yaml:"zones" toml:"zones"`
	Alerts    AlertThresholds `json:"alerts" yaml:"alerts" toml:"alerts"`
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger" toml:"ledger"`
	Valves    ValveConfig     `json:"valves" yaml:"valves" toml:"valves"`
	Coherence CoherenceConfig `json:"coherence" yaml:"coherence" toml:"coherence"`
	Advisory  AdvisoryConfig  `json:"advisory" yaml:"advisory" toml:"advisory"`

	// ZoneHistory is the capacity of the zone record ring buffer
	// Default: 32
	ZoneHistory int `json:"zone_history" yaml:"zone_history" toml:"zone_history"`

	// StagePriorities orders the per-tick subsystem updates (lower runs first)
	StagePriorities map[string]int `json:"stage_priorities" yaml:"stage_priorities" toml:"stage_priorities"`
}

// DefaultDecay returns the default decay policy per source
func DefaultDecay() map[types.Source]types.DecayPolicy {
	return map[types.Source]types.DecayPolicy{
		types.SourceCognitiveLoad:      {Kind: types.DecayExponential, Rate: 0.05},
		types.SourceProcessingSpike:    {Kind: types.DecayExponential, Rate: 0.25},
		types.SourceUnexpressedBacklog: {Kind: types.DecaySigmoid, Rate: 0.08},
		types.SourceDrift:              {Kind: types.DecayLinear, Rate: 0.02},
		types.SourceExternalSignal:     {Kind: types.DecayExponential, Rate: 0.15},
	}
}

// DefaultEfficiency returns the default cooling coefficient per valve
func DefaultEfficiency() map[types.Valve]float64 {
	return map[types.Valve]float64{
		types.ValveVerbal:           0.6,
		types.ValveSymbolic:         0.5,
		types.ValveCreative:         0.8,
		types.ValveEmpathetic:       0.7,
		types.ValveConceptual:       0.65,
		types.ValveMemoryTrace:      0.4,
		types.ValvePatternSynthesis: 0.9,
	}
}

// DefaultStagePriorities returns the default per-tick update order
func DefaultStagePriorities() map[string]int {
	return map[string]int{
		StageLedger:    10,
		StageValves:    20,
		StageZones:     30,
		StageCoherence: 40,
		StageAdvisory:  50,
	}
}

// Default returns a configuration with safe, conservative defaults
func Default() *Config {
	return &Config{
		TickInterval:    Duration(time.Second),
		MinTickInterval: Duration(10 * time.Millisecond),
		MaxTickInterval: Duration(time.Minute),
		MaxErrors:       3,
		ErrorRetryDelay: Duration(500 * time.Millisecond),
		HeatCritical:    0.95,
		Zones:           ZoneThresholds{Low: 0.3, High: 0.7},
		Alerts:          AlertThresholds{Warning: 0.8, Critical: 0.9, Emergency: 0.95},
		Ledger: LedgerConfig{
			BaseCeiling:    10,
			MomentumWindow: 1,
			Decay:          DefaultDecay(),
		},
		Valves: ValveConfig{
			Efficiency:      DefaultEfficiency(),
			HoldTicks:       3,
			BonusMultiplier: 1.25,
			BonusCap:        1.5,
			HistorySize:     256,
		},
		Coherence: CoherenceConfig{
			Weights:       CoherenceWeights{Stability: 0.3, Momentum: 0.2, Health: 0.3, Balance: 0.2},
			MomentumScale: 1.0,
			BalanceTarget: 0.5,
			AwarenessGain: 0.4,
			TrendWindow:   10,
			TrendBand:     0.05,
		},
		Advisory: AdvisoryConfig{
			Enabled:           true,
			Trigger:           0.8,
			Cooldown:          Duration(30 * time.Second),
			MaxQueriesPerHour: 10,
			Timeout:           Duration(20 * time.Second),
		},
		ZoneHistory:     32,
		StagePriorities: DefaultStagePriorities(),
	}
}

// Validate checks that the configuration has safe and reasonable values.
// Missing map entries are filled from the defaults.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	c.fillDefaults()

	// Tick interval bounds
	if c.MinTickInterval.D() < hardMinTickInterval {
		return fmt.Errorf("min_tick_interval too fast (minimum %v), got %v", hardMinTickInterval, c.MinTickInterval.D())
	}
	if c.MaxTickInterval.D() > hardMaxTickInterval {
		return fmt.Errorf("max_tick_interval too slow (maximum %v), got %v", hardMaxTickInterval, c.MaxTickInterval.D())
	}
	if c.MaxTickInterval < c.MinTickInterval {
		return fmt.Errorf("max_tick_interval (%v) must be >= min_tick_interval (%v)", c.MaxTickInterval.D(), c.MinTickInterval.D())
	}
	if c.TickInterval < c.MinTickInterval || c.TickInterval > c.MaxTickInterval {
		return fmt.Errorf("tick_interval must be between %v and %v, got %v",
			c.MinTickInterval.D(), c.MaxTickInterval.D(), c.TickInterval.D())
	}

	// Error policy
	if c.MaxErrors <= 0 {
		return fmt.Errorf("max_errors must be positive, got %d", c.MaxErrors)
	}
	if c.MaxErrors > 1000 {
		return fmt.Errorf("max_errors too large (maximum 1000), got %d", c.MaxErrors)
	}
	if c.ErrorRetryDelay < 0 {
		return fmt.Errorf("error_retry_delay must be non-negative, got %v", c.ErrorRetryDelay.D())
	}

	// Overheat safety floor
	if !inRange(c.HeatCritical, HeatCriticalMin, HeatCriticalCeiling) {
		return fmt.Errorf("heat_critical must be between %.2f and %.2f, got %v", HeatCriticalMin, HeatCriticalCeiling, c.HeatCritical)
	}

	// Zone and alert thresholds
	if !(c.Zones.Low > 0 && c.Zones.Low < c.Zones.High && c.Zones.High < 1) {
		return fmt.Errorf("zone thresholds must satisfy 0 < low < high < 1, got low=%v high=%v", c.Zones.Low, c.Zones.High)
	}
	if !(c.Alerts.Warning > 0 && c.Alerts.Warning <= c.Alerts.Critical && c.Alerts.Critical <= c.Alerts.Emergency && c.Alerts.Emergency <= 1) {
		return fmt.Errorf("alert thresholds must satisfy 0 < warning <= critical <= emergency <= 1, got %v/%v/%v",
			c.Alerts.Warning, c.Alerts.Critical, c.Alerts.Emergency)
	}

	// Ledger
	if !(c.Ledger.BaseCeiling > 0) || math.IsInf(c.Ledger.BaseCeiling, 0) {
		return fmt.Errorf("base_ceiling must be positive and finite, got %v", c.Ledger.BaseCeiling)
	}
	if c.Ledger.MomentumWindow <= 0 || c.Ledger.MomentumWindow > 1000 {
		return fmt.Errorf("momentum_window must be between 1 and 1000, got %d", c.Ledger.MomentumWindow)
	}
	for src, policy := range c.Ledger.Decay {
		if !src.IsValid() {
			return fmt.Errorf("decay configured for %w: %q", types.ErrUnknownSource, src)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("decay for %s: %w", src, err)
		}
	}
	for _, src := range c.Ledger.AllowedSources {
		if !src.IsValid() {
			return fmt.Errorf("allowed_sources contains %w: %q", types.ErrUnknownSource, src)
		}
	}

	// Valves
	for v, eff := range c.Valves.Efficiency {
		if !v.IsValid() {
			return fmt.Errorf("efficiency configured for %w: %q", types.ErrUnknownValve, v)
		}
		if !(eff > 0 && eff <= 1) {
			return fmt.Errorf("efficiency for %s must be in (0, 1], got %v", v, eff)
		}
	}
	if c.Valves.HoldTicks == 0 {
		return fmt.Errorf("valve hold_ticks must be at least 1")
	}
	if c.Valves.BonusMultiplier < 1 {
		return fmt.Errorf("bonus_multiplier must be >= 1.0, got %v", c.Valves.BonusMultiplier)
	}
	if c.Valves.BonusCap < 1 {
		return fmt.Errorf("bonus_cap must be >= 1.0, got %v", c.Valves.BonusCap)
	}
	if c.Valves.HistorySize <= 0 || c.Valves.HistorySize > 100000 {
		return fmt.Errorf("valve history_size must be between 1 and 100000, got %d", c.Valves.HistorySize)
	}

	// Coherence
	w := c.Coherence.Weights
	if w.Stability < 0 || w.Momentum < 0 || w.Health < 0 || w.Balance < 0 {
		return fmt.Errorf("coherence weights must be non-negative, got %+v", w)
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("coherence weights must not all be zero")
	}
	if !(c.Coherence.MomentumScale > 0) {
		return fmt.Errorf("momentum_scale must be positive, got %v", c.Coherence.MomentumScale)
	}
	if !(c.Coherence.BalanceTarget > 0 && c.Coherence.BalanceTarget < 1) {
		return fmt.Errorf("balance_target must be in (0, 1), got %v", c.Coherence.BalanceTarget)
	}
	if c.Coherence.AwarenessGain < 0 || c.Coherence.AwarenessGain > 2 {
		return fmt.Errorf("awareness_gain must be between 0 and 2, got %v", c.Coherence.AwarenessGain)
	}
	if c.Coherence.TrendWindow < 2 || c.Coherence.TrendWindow > 1000 {
		return fmt.Errorf("trend_window must be between 2 and 1000, got %d", c.Coherence.TrendWindow)
	}
	if !(c.Coherence.TrendBand > 0 && c.Coherence.TrendBand < 1) {
		return fmt.Errorf("trend_band must be in (0, 1), got %v", c.Coherence.TrendBand)
	}

	// Advisory
	if !inRange(c.Advisory.Trigger, 0, 1) {
		return fmt.Errorf("scup_trigger must be between 0 and 1, got %v", c.Advisory.Trigger)
	}
	if c.Advisory.Cooldown < 0 {
		return fmt.Errorf("advisory cooldown must be non-negative, got %v", c.Advisory.Cooldown.D())
	}
	if c.Advisory.MaxQueriesPerHour < 0 {
		return fmt.Errorf("max_queries_per_hour must be non-negative, got %d", c.Advisory.MaxQueriesPerHour)
	}
	if c.Advisory.Timeout <= 0 {
		return fmt.Errorf("advisory timeout must be positive, got %v", c.Advisory.Timeout.D())
	}

	// History and ordering
	if c.ZoneHistory <= 0 || c.ZoneHistory > 10000 {
		return fmt.Errorf("zone_history must be between 1 and 10000, got %d", c.ZoneHistory)
	}
	for name := range c.StagePriorities {
		if _, ok := DefaultStagePriorities()[name]; !ok {
			return fmt.Errorf("unknown stage in stage_priorities: %q", name)
		}
	}

	return nil
}

// fillDefaults fills missing map entries so partial files stay valid
func (c *Config) fillDefaults() {
	if c.Ledger.Decay == nil {
		c.Ledger.Decay = make(map[types.Source]types.DecayPolicy)
	}
	for src, policy := range DefaultDecay() {
		if _, ok := c.Ledger.Decay[src]; !ok {
			c.Ledger.Decay[src] = policy
		}
	}
	if c.Valves.Efficiency == nil {
		c.Valves.Efficiency = make(map[types.Valve]float64)
	}
	for v, eff := range DefaultEfficiency() {
		if _, ok := c.Valves.Efficiency[v]; !ok {
			c.Valves.Efficiency[v] = eff
		}
	}
	if c.StagePriorities == nil {
		c.StagePriorities = make(map[string]int)
	}
	for name, prio := range DefaultStagePriorities() {
		if _, ok := c.StagePriorities[name]; !ok {
			c.StagePriorities[name] = prio
		}
	}
}

// Clone creates a deep copy of the configuration (for runtime reconfiguration)
func (c *Config) Clone() *Config {
	clone := *c

	clone.Ledger.Decay = make(map[types.Source]types.DecayPolicy, len(c.Ledger.Decay))
	for k, v := range c.Ledger.Decay {
		clone.Ledger.Decay[k] = v
	}
	clone.Ledger.AllowedSources = append([]types.Source(nil), c.Ledger.AllowedSources...)

	clone.Valves.Efficiency = make(map[types.Valve]float64, len(c.Valves.Efficiency))
	for k, v := range c.Valves.Efficiency {
		clone.Valves.Efficiency[k] = v
	}

	clone.StagePriorities = make(map[string]int, len(c.StagePriorities))
	for k, v := range c.StagePriorities {
		clone.StagePriorities[k] = v
	}

	return &clone
}

// IsSourceAllowed reports whether src may be ingested under this configuration
func (c *Config) IsSourceAllowed(src types.Source) bool {
	if len(c.Ledger.AllowedSources) == 0 {
		return src.IsValid()
	}
	for _, allowed := range c.Ledger.AllowedSources {
		if allowed == src {
			return true
		}
	}
	return false
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}
