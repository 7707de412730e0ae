package types

import "time"

// Zone is the coarse operating state derived from the pressure ratio
type Zone string

const (
	ZoneCalm   Zone = "calm"
	ZoneActive Zone = "active"
	ZoneSurge  Zone = "surge"
)

// IsValid checks if the zone value is valid
func (z Zone) IsValid() bool {
	switch z {
	case ZoneCalm, ZoneActive, ZoneSurge:
		return true
	}
	return false
}

// Trend is the direction of recent coherence scores
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// AdvisoryResponse is the result of one external advisory call
type AdvisoryResponse struct {
	ID          string        `json:"id"`
	Tick        uint64        `json:"tick"`
	Score       float64       `json:"score"`
	Advice      string        `json:"advice"`
	Model       string        `json:"model,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	Latency     time.Duration `json:"latency"`
}

// Snapshot is the immutable per-tick view handed to external consumers.
// Consumers must treat it as read-only; Clone before mutating.
type Snapshot struct {
	Tick      uint64             `json:"tick"`
	Timestamp time.Time          `json:"timestamp"`
	Pressure  float64            `json:"pressure"`
	Ceiling   float64            `json:"ceiling"`
	Ratio     float64            `json:"ratio"`
	Momentum  float64            `json:"momentum"`
	Overflow  bool               `json:"overflow"`
	Zone      Zone               `json:"zone"`
	Coherence float64            `json:"coherence"`
	Trend     Trend              `json:"trend"`
	Sources   map[Source]float64 `json:"sources"`
	Active    []ExpressionEvent  `json:"active"`
	Advisory  *AdvisoryResponse  `json:"advisory,omitempty"`
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Sources = make(map[Source]float64, len(s.Sources))
	for k, v := range s.Sources {
		c.Sources[k] = v
	}
	c.Active = append([]ExpressionEvent(nil), s.Active...)
	if s.Advisory != nil {
		adv := *s.Advisory
		c.Advisory = &adv
	}
	return &c
}
