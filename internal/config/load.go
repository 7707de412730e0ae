package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the engine reads
const EnvPrefix = "THERMAL_"

// LoadFromFile loads configuration from a YAML, TOML or JSON file.
// The format is chosen by extension; fields missing from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q (use .yaml, .toml or .json)", ext)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables on top of the defaults
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

// Load reads the file at path (if non-empty) and then applies environment
// overrides. Environment variables win over the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields of cfg from environment variables
//
// Environment variables:
//   - THERMAL_TICK_INTERVAL: Scheduler cadence, e.g. "250ms" (default: 1s)
//   - THERMAL_MAX_ERRORS: Consecutive error budget (default: 3)
//   - THERMAL_ERROR_RETRY_DELAY: Sleep after a failed cycle (default: 500ms)
//   - THERMAL_MAX_TICKS: Stop after this many cycles, 0 for unbounded (default: 0)
//   - THERMAL_HEAT_CRITICAL: Overheat shutdown ratio (default: 0.95)
//   - THERMAL_BASE_CEILING: Ceiling before adjustment (default: 10)
//   - THERMAL_SCUP_TRIGGER: Advisory trigger score (default: 0.8)
//   - THERMAL_ADVISORY_ENABLED: Allow advisory calls (default: true)
//   - THERMAL_ADVISORY_COOLDOWN: Minimum time between calls (default: 30s)
//   - THERMAL_ADVISORY_MAX_PER_HOUR: Calls allowed per trailing hour (default: 10)
//   - THERMAL_ADVISORY_TIMEOUT: Per-call timeout (default: 20s)
//   - THERMAL_ADVISORY_MODEL: Advisory model name
func ApplyEnv(cfg *Config) error {
	if err := parseEnvDuration(EnvPrefix+"TICK_INTERVAL", &cfg.TickInterval); err != nil {
		return err
	}
	if err := parseEnvInt(EnvPrefix+"MAX_ERRORS", &cfg.MaxErrors); err != nil {
		return err
	}
	if err := parseEnvDuration(EnvPrefix+"ERROR_RETRY_DELAY", &cfg.ErrorRetryDelay); err != nil {
		return err
	}
	if err := parseEnvUint64(EnvPrefix+"MAX_TICKS", &cfg.MaxTicks); err != nil {
		return err
	}
	if err := parseEnvFloat(EnvPrefix+"HEAT_CRITICAL", &cfg.HeatCritical); err != nil {
		return err
	}
	if err := parseEnvFloat(EnvPrefix+"BASE_CEILING", &cfg.Ledger.BaseCeiling); err != nil {
		return err
	}
	if err := parseEnvFloat(EnvPrefix+"SCUP_TRIGGER", &cfg.Advisory.Trigger); err != nil {
		return err
	}
	if err := parseEnvBool(EnvPrefix+"ADVISORY_ENABLED", &cfg.Advisory.Enabled); err != nil {
		return err
	}
	if err := parseEnvDuration(EnvPrefix+"ADVISORY_COOLDOWN", &cfg.Advisory.Cooldown); err != nil {
		return err
	}
	if err := parseEnvInt(EnvPrefix+"ADVISORY_MAX_PER_HOUR", &cfg.Advisory.MaxQueriesPerHour); err != nil {
		return err
	}
	if err := parseEnvDuration(EnvPrefix+"ADVISORY_TIMEOUT", &cfg.Advisory.Timeout); err != nil {
		return err
	}
	if err := parseEnvString(EnvPrefix+"ADVISORY_MODEL", &cfg.Advisory.Model); err != nil {
		return err
	}
	return nil
}

// Marshal encodes cfg in the format implied by path's extension
func (c *Config) Marshal(path string) ([]byte, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Marshal(c)
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode TOML config: %w", err)
		}
		return buf.Bytes(), nil
	case ".json", "":
		return json.MarshalIndent(c, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported config file extension %q (use .yaml, .toml or .json)", ext)
	}
}

// Save writes cfg to path, creating parent directories as needed
func (c *Config) Save(path string) error {
	data, err := c.Marshal(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
