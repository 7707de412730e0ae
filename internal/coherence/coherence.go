// Package coherence scores how settled the engine is and turns that score
// into the awareness adjustment applied to the next tick's ceiling.
package coherence

import (
	"math"
	"sync"

	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/types"
)

// Inputs are the observations one score is computed from
type Inputs struct {
	// Sources are the per-source pressure values
	Sources map[types.Source]float64
	// Momentum is pressure per second
	Momentum float64
	// ExternalHealth is a host-supplied health signal in [0, 1]
	ExternalHealth float64
	// Ratio is pressure / ceiling
	Ratio float64
}

// Components are the four normalized terms of a score
type Components struct {
	Stability float64 `json:"stability"`
	Momentum  float64 `json:"momentum"`
	Health    float64 `json:"health"`
	Balance   float64 `json:"balance"`
}

// Stability is the normalized Shannon evenness of the source shares.
// An empty or single-source ledger is perfectly stable.
func Stability(sources map[types.Source]float64) float64 {
	var total float64
	var n int
	for _, v := range sources {
		if v > 0 {
			total += v
			n++
		}
	}
	if n <= 1 || total <= 0 {
		return 1
	}

	var h float64
	for _, v := range sources {
		if v <= 0 {
			continue
		}
		p := v / total
		h -= p * math.Log(p)
	}
	return clamp01(h / math.Log(float64(n)))
}

// MomentumCalm is 1 - min(|momentum|/scale, 1)
func MomentumCalm(momentum, scale float64) float64 {
	if math.IsNaN(momentum) || scale <= 0 {
		return 0
	}
	return 1 - math.Min(math.Abs(momentum)/scale, 1)
}

// Balance is 1 - |ratio - target| / max(target, 1-target)
func Balance(ratio, target float64) float64 {
	if math.IsNaN(ratio) {
		return 0
	}
	span := math.Max(target, 1-target)
	if span <= 0 {
		return 0
	}
	return clamp01(1 - math.Abs(ratio-target)/span)
}

// Breakdown computes the four terms without weighting
func Breakdown(in Inputs, cfg config.CoherenceConfig) Components {
	return Components{
		Stability: Stability(in.Sources),
		Momentum:  MomentumCalm(in.Momentum, cfg.MomentumScale),
		Health:    clamp01(in.ExternalHealth),
		Balance:   Balance(in.Ratio, cfg.BalanceTarget),
	}
}

// Compute returns the weighted score in [0, 1]. Weights are normalized.
func Compute(in Inputs, cfg config.CoherenceConfig) float64 {
	w := cfg.Weights
	sum := w.Sum()
	if sum <= 0 {
		return 0
	}
	c := Breakdown(in, cfg)
	score := (w.Stability*c.Stability + w.Momentum*c.Momentum + w.Health*c.Health + w.Balance*c.Balance) / sum
	return clamp01(score)
}

// AdjustmentFor converts a score into the clamped awareness adjustment
func AdjustmentFor(score, gain float64) types.Adjustment {
	return types.NewAdjustment((score - 0.5) * gain)
}

// Monitor keeps the recent scores and the external health signal
type Monitor struct {
	mu sync.RWMutex

	cfg    config.CoherenceConfig
	scores []float64
	trend  types.Trend
	health float64
	last   float64
}

// NewMonitor creates a monitor. External health starts at 1.
func NewMonitor(cfg *config.Config) *Monitor {
	return &Monitor{
		cfg:    cfg.Coherence,
		trend:  types.TrendStable,
		health: 1,
	}
}

// Reconfigure applies reloaded weights and window sizes
func (m *Monitor) Reconfigure(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Coherence
	m.trim()
}

// SetExternalHealth sets the host health input, clamped to [0, 1]
func (m *Monitor) SetExternalHealth(h float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = clamp01(h)
}

// ExternalHealth returns the current host health input
func (m *Monitor) ExternalHealth() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// Observe computes, records and returns the score for st and sources
func (m *Monitor) Observe(st types.ThermalState, sources map[types.Source]float64) float64 {
	m.mu.RLock()
	in := Inputs{Sources: sources, Momentum: st.Momentum, ExternalHealth: m.health, Ratio: st.Ratio}
	cfg := m.cfg
	m.mu.RUnlock()

	score := Compute(in, cfg)
	m.Record(score)
	return score
}

// Record appends a score to the window and updates the trend
func (m *Monitor) Record(score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scores = append(m.scores, clamp01(score))
	m.trim()
	m.last = score
	m.trend = nextTrend(m.trend, m.scores, m.cfg.TrendBand)
}

func (m *Monitor) trim() {
	window := m.cfg.TrendWindow
	if window < 2 {
		window = 2
	}
	if len(m.scores) > window {
		m.scores = append([]float64(nil), m.scores[len(m.scores)-window:]...)
	}
}

// nextTrend compares the mean of the newer half of the window with the older
// half. Inside the hysteresis band the previous trend is kept.
func nextTrend(prev types.Trend, scores []float64, band float64) types.Trend {
	if len(scores) < 2 {
		return types.TrendStable
	}
	half := len(scores) / 2
	older := mean(scores[:half])
	newer := mean(scores[len(scores)-half:])
	delta := newer - older

	switch {
	case delta > band:
		return types.TrendRising
	case delta < -band:
		return types.TrendFalling
	case math.Abs(delta) <= band/2:
		return types.TrendStable
	default:
		return prev
	}
}

// Trend returns the current trend
func (m *Monitor) Trend() types.Trend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trend
}

// Last returns the most recent score
func (m *Monitor) Last() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Scores returns the retained scores, oldest first
func (m *Monitor) Scores() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.scores...)
}

// Adjustment returns the awareness adjustment for score
func (m *Monitor) Adjustment(score float64) types.Adjustment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return AdjustmentFor(score, m.cfg.AwarenessGain)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
