package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/thermal/internal/types"
)

// AlertType identifies the kind of alert raised by the engine.
type AlertType string

const (
	// AlertZoneTransition indicates the pressure zone changed
	AlertZoneTransition AlertType = "zone_transition"
	// AlertThermal indicates the pressure ratio crossed a warning/critical/emergency level
	AlertThermal AlertType = "thermal_alert"
	// AlertOverflow indicates the aggregate exceeded the ceiling and was clipped
	AlertOverflow AlertType = "overflow"
	// AlertFatalErrorBudgetExceeded indicates the scheduler stopped after too many consecutive errors
	AlertFatalErrorBudgetExceeded AlertType = "fatal_error_budget_exceeded"
	// AlertCriticalOverheat indicates the scheduler stopped on the heat_critical ratio
	AlertCriticalOverheat AlertType = "critical_overheat"
	// AlertTransientError indicates a cycle failed and will be retried
	AlertTransientError AlertType = "transient_error"
	// AlertAdvisoryResponse indicates an advisory call returned advice
	AlertAdvisoryResponse AlertType = "advisory_response"
	// AlertConfigReloaded indicates a new configuration took effect
	AlertConfigReloaded AlertType = "config_reloaded"
)

// Severity represents the severity level of an alert.
type Severity string

const (
	// SeverityInfo indicates informational alerts
	SeverityInfo Severity = "info"
	// SeverityWarning indicates potentially problematic alerts
	SeverityWarning Severity = "warning"
	// SeverityError indicates error alerts
	SeverityError Severity = "error"
	// SeverityCritical indicates alerts requiring immediate attention
	SeverityCritical Severity = "critical"
)

// Level is the escalation step of a thermal alert.
type Level string

const (
	LevelNone      Level = ""
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// Rank orders levels so escalation can be compared
func (l Level) Rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelEmergency:
		return 3
	}
	return 0
}

// Severity maps a thermal level to an alert severity
func (l Level) Severity() Severity {
	switch l {
	case LevelWarning:
		return SeverityWarning
	case LevelCritical:
		return SeverityError
	case LevelEmergency:
		return SeverityCritical
	}
	return SeverityInfo
}

// Alert is one outbound notification from the engine.
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Tick      uint64                 `json:"tick"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	From      types.Zone             `json:"from,omitempty"`
	To        types.Zone             `json:"to,omitempty"`
	Level     Level                  `json:"level,omitempty"`
	Ratio     float64                `json:"ratio,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func newAlert(typ AlertType, tick uint64, severity Severity, message string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Type:      typ,
		Tick:      tick,
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   message,
	}
}

// NewZoneTransition creates a zone transition alert
func NewZoneTransition(from, to types.Zone, tick uint64, ratio float64) Alert {
	severity := SeverityInfo
	if to == types.ZoneSurge {
		severity = SeverityWarning
	}
	a := newAlert(AlertZoneTransition, tick, severity,
		fmt.Sprintf("zone %s -> %s at tick %d (ratio %.3f)", from, to, tick, ratio))
	a.From = from
	a.To = to
	a.Ratio = ratio
	return a
}

// NewThermalAlert creates an alert for a ratio crossing one of the alert levels
func NewThermalAlert(level Level, ratio float64, tick uint64) Alert {
	a := newAlert(AlertThermal, tick, level.Severity(),
		fmt.Sprintf("pressure ratio %.3f reached %s level at tick %d", ratio, level, tick))
	a.Level = level
	a.Ratio = ratio
	return a
}

// NewOverflow creates an alert for an aggregate that was clipped to the ceiling
func NewOverflow(raw, ceiling float64, tick uint64) Alert {
	a := newAlert(AlertOverflow, tick, SeverityError,
		fmt.Sprintf("pressure %.3f exceeded ceiling %.3f at tick %d, clipped", raw, ceiling, tick))
	a.Ratio = 1
	if ceiling > 0 {
		a.Ratio = raw / ceiling
	}
	a.Data = map[string]interface{}{
		"raw_pressure": raw,
		"ceiling":      ceiling,
		"clipped":      raw - ceiling,
	}
	return a
}

// NewFatalErrorBudgetExceeded creates the shutdown alert for an exhausted error budget
func NewFatalErrorBudgetExceeded(tick uint64, consecutive int, lastErr error) Alert {
	msg := fmt.Sprintf("scheduler stopped after %d consecutive errors at tick %d", consecutive, tick)
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	a := newAlert(AlertFatalErrorBudgetExceeded, tick, SeverityCritical, msg)
	a.Data = map[string]interface{}{"consecutive_errors": consecutive}
	return a
}

// NewCriticalOverheat creates the shutdown alert for a ratio at or above heat_critical
func NewCriticalOverheat(ratio, threshold float64, tick uint64) Alert {
	a := newAlert(AlertCriticalOverheat, tick, SeverityCritical,
		fmt.Sprintf("pressure ratio %.3f reached heat_critical %.3f at tick %d, shutting down", ratio, threshold, tick))
	a.Ratio = ratio
	a.Data = map[string]interface{}{"heat_critical": threshold}
	return a
}

// NewTransientError creates an alert for a failed cycle that will be retried
func NewTransientError(tick uint64, stage string, consecutive int, err error) Alert {
	a := newAlert(AlertTransientError, tick, SeverityWarning,
		fmt.Sprintf("stage %s failed at tick %d (%d consecutive): %v", stage, tick, consecutive, err))
	a.Data = map[string]interface{}{
		"stage":              stage,
		"consecutive_errors": consecutive,
	}
	return a
}

// NewAdvisoryResponse creates an alert carrying advisory output
func NewAdvisoryResponse(resp *types.AdvisoryResponse) Alert {
	a := newAlert(AlertAdvisoryResponse, resp.Tick, SeverityInfo,
		fmt.Sprintf("advisory response for score %.3f: %s", resp.Score, resp.Advice))
	a.Data = map[string]interface{}{
		"advisory_id": resp.ID,
		"latency_ms":  resp.Latency.Milliseconds(),
		"model":       resp.Model,
	}
	return a
}

// NewConfigReloaded creates an alert noting that a reloaded configuration took effect
func NewConfigReloaded(tick uint64) Alert {
	return newAlert(AlertConfigReloaded, tick, SeverityInfo,
		fmt.Sprintf("configuration reloaded at tick %d", tick))
}
