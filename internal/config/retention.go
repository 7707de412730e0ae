package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RetentionConfig holds configuration for pruning the history database
type RetentionConfig struct {
	// SnapshotRetentionHours is how long per-tick snapshots are kept (in hours)
	// Default: 24, Range: 1-720
	SnapshotRetentionHours int

	// AlertRetentionDays is the retention period for info/warning alerts (in days)
	// Default: 30, Range: 1-365
	AlertRetentionDays int

	// CriticalAlertRetentionDays is the retention period for error/critical alerts
	// Shutdown alerts are kept longer for post-mortems
	// Must be >= AlertRetentionDays
	// Default: 90, Range: 1-730
	CriticalAlertRetentionDays int

	// CleanupIntervalMinutes is how often to prune (in minutes)
	// Default: 60, Range: 1-1440
	CleanupIntervalMinutes int

	// CleanupEnabled controls whether automatic pruning runs
	// Default: true
	CleanupEnabled bool
}

// DefaultRetentionConfig returns the default history retention configuration
//
// A day of snapshots at the default 1s tick is ~86k rows, which keeps the
// database small while still covering a full overnight run.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		SnapshotRetentionHours:     24,
		AlertRetentionDays:         30,
		CriticalAlertRetentionDays: 90,
		CleanupIntervalMinutes:     60,
		CleanupEnabled:             true,
	}
}

// Validate checks if the configuration has valid values
func (c RetentionConfig) Validate() error {
	if c.SnapshotRetentionHours < 1 || c.SnapshotRetentionHours > 720 {
		return fmt.Errorf("snapshot_retention_hours must be between 1 and 720 (got %d)", c.SnapshotRetentionHours)
	}
	if c.AlertRetentionDays < 1 || c.AlertRetentionDays > 365 {
		return fmt.Errorf("alert_retention_days must be between 1 and 365 (got %d)", c.AlertRetentionDays)
	}
	if c.CriticalAlertRetentionDays < 1 || c.CriticalAlertRetentionDays > 730 {
		return fmt.Errorf("critical_alert_retention_days must be between 1 and 730 (got %d)",
			c.CriticalAlertRetentionDays)
	}
	if c.CriticalAlertRetentionDays < c.AlertRetentionDays {
		return fmt.Errorf("critical_alert_retention_days (%d) must be >= alert_retention_days (%d)",
			c.CriticalAlertRetentionDays, c.AlertRetentionDays)
	}
	if c.CleanupIntervalMinutes < 1 || c.CleanupIntervalMinutes > 1440 {
		return fmt.Errorf("cleanup_interval_minutes must be between 1 and 1440 (got %d)",
			c.CleanupIntervalMinutes)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c RetentionConfig) String() string {
	return fmt.Sprintf(
		"RetentionConfig{Snapshots: %dh, Alerts: %dd, CriticalAlerts: %dd, Interval: %dm, Enabled: %t}",
		c.SnapshotRetentionHours, c.AlertRetentionDays, c.CriticalAlertRetentionDays,
		c.CleanupIntervalMinutes, c.CleanupEnabled,
	)
}

// SnapshotRetention returns the snapshot age threshold as a time.Duration
func (c RetentionConfig) SnapshotRetention() time.Duration {
	return time.Duration(c.SnapshotRetentionHours) * time.Hour
}

// AlertRetention returns the age threshold for non-critical alerts
func (c RetentionConfig) AlertRetention() time.Duration {
	return time.Duration(c.AlertRetentionDays) * 24 * time.Hour
}

// CriticalAlertRetention returns the age threshold for error/critical alerts
func (c RetentionConfig) CriticalAlertRetention() time.Duration {
	return time.Duration(c.CriticalAlertRetentionDays) * 24 * time.Hour
}

// CleanupInterval returns how often to prune
func (c RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// RetentionConfigFromEnv creates a RetentionConfig from environment variables,
// falling back to defaults
//
// Environment variables:
//   - THERMAL_SNAPSHOT_RETENTION_HOURS: Snapshot retention in hours (default: 24)
//   - THERMAL_ALERT_RETENTION_DAYS: Retention for info/warning alerts in days (default: 30)
//   - THERMAL_CRITICAL_ALERT_RETENTION_DAYS: Retention for error/critical alerts in days (default: 90)
//   - THERMAL_CLEANUP_INTERVAL_MINUTES: How often to prune in minutes (default: 60)
//   - THERMAL_CLEANUP_ENABLED: Enable automatic pruning (default: true)
//
// Returns an error if any environment variable has an invalid value.
func RetentionConfigFromEnv() (RetentionConfig, error) {
	cfg := DefaultRetentionConfig()

	if err := parseEnvInt(EnvPrefix+"SNAPSHOT_RETENTION_HOURS", &cfg.SnapshotRetentionHours); err != nil {
		return cfg, err
	}
	if err := parseEnvInt(EnvPrefix+"ALERT_RETENTION_DAYS", &cfg.AlertRetentionDays); err != nil {
		return cfg, err
	}
	if err := parseEnvInt(EnvPrefix+"CRITICAL_ALERT_RETENTION_DAYS", &cfg.CriticalAlertRetentionDays); err != nil {
		return cfg, err
	}
	if err := parseEnvInt(EnvPrefix+"CLEANUP_INTERVAL_MINUTES", &cfg.CleanupIntervalMinutes); err != nil {
		return cfg, err
	}
	if err := parseEnvBool(EnvPrefix+"CLEANUP_ENABLED", &cfg.CleanupEnabled); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid retention configuration from environment: %w", err)
	}

	return cfg, nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvUint64 parses a uint64 from an environment variable
func parseEnvUint64(key string, dest *uint64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a Go duration string from an environment variable
func parseEnvDuration(key string, dest *Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = Duration(parsed)
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
