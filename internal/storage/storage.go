package storage

import (
	"context"
	"time"

	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/storage/sqlite"
	"github.com/steveyegge/thermal/internal/types"
)

// Store defines the interface for snapshot and alert history backends
type Store interface {
	// Snapshots
	RecordSnapshot(ctx context.Context, snap *types.Snapshot) error
	RecentSnapshots(ctx context.Context, limit int) ([]*types.Snapshot, error)

	// Alerts
	RecordAlert(ctx context.Context, a *events.Alert) error
	RecentAlerts(ctx context.Context, filter events.AlertFilter) ([]*events.Alert, error)

	// Retention
	PruneBefore(ctx context.Context, snapshotCutoff, alertCutoff, criticalCutoff time.Time, batchSize int) (sqlite.PruneCounts, error)
	Counts(ctx context.Context) (*sqlite.Counts, error)
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DefaultPath is where the daemon keeps its history unless told otherwise
const DefaultPath = ".thermal/thermal.db"

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{Path: DefaultPath}
}

// NewStore opens the SQLite backend described by cfg
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	store, err := sqlite.New(cfg.Path)
	if err != nil {
		return nil, err
	}
	return store, nil
}
