package events

import "time"

// AlertFilter selects stored alerts
type AlertFilter struct {
	Type     AlertType
	Severity Severity
	Since    time.Time
	Until    time.Time
	Limit    int
}
