package events

import (
	"context"
	"log/slog"
	"sync"
)

// Sink receives alerts from the engine.
// Emit is called on the scheduler goroutine and must not block for long.
type Sink interface {
	Emit(Alert)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Alert)

// Emit calls f(a)
func (f SinkFunc) Emit(a Alert) { f(a) }

// MultiSink fans alerts out to several sinks in registration order
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMultiSink creates a MultiSink, skipping nil sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add registers another sink
func (m *MultiSink) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Emit forwards a to every registered sink
func (m *MultiSink) Emit(a Alert) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Emit(a)
	}
}

// Recorder keeps every alert in memory. Intended for tests and the console.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Emit appends a
func (r *Recorder) Emit(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// OfType returns the recorded alerts with the given type
func (r *Recorder) OfType(t AlertType) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Alert
	for _, a := range r.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// LogSink writes every alert to a structured logger at a level matching its severity
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs a
func (s *LogSink) Emit(a Alert) {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError, SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{"type", a.Type, "tick", a.Tick}
	if a.Level != LevelNone {
		attrs = append(attrs, "level", a.Level)
	}
	if a.To != "" {
		attrs = append(attrs, "from", a.From, "to", a.To)
	}
	s.logger.Log(context.Background(), level, a.Message, attrs...)
}
