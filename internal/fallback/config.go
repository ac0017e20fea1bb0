// Package fallback serves rule-based estimates when a model type has no
// Active model.
//
// Operators keep a safety net per model type in .foresight.yaml: a linear
// rule evaluated over the request's numeric inputs. A served fallback is
// always flagged degraded. Types without a rule stay unserved and the
// caller surfaces the no-active-model condition instead.
package fallback

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/foresight-io/foresight/internal/config"
)

type (
	// Rule computes base + sum(per[name] * inputs[name]) over whatever
	// numeric inputs the request carries, clamped to [min, max] when
	// either bound is set.
	Rule struct {
		Base float64            `yaml:"base"`
		Per  map[string]float64 `yaml:"per"`
		Min  *float64           `yaml:"min"`
		Max  *float64           `yaml:"max"`
		Unit string             `yaml:"unit"`
	}

	// Config holds the fallback rule table loaded from .foresight.yaml,
	// keyed by model type name.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	Config struct {
		Rules map[string]Rule `yaml:"fallback"`
	}
)

// DefaultConfigPath is the default location for the foresight configuration
// file. Uses hidden file format following common tool conventions.
const DefaultConfigPath = ".foresight.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "FORESIGHT_CONFIG_PATH"

// LoadConfig loads fallback rules from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - rules are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// Serving must never fail to start because the safety net is missing; a
// type without a rule simply has no fallback.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Rules: make(map[string]Rule),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without fallback rules",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without fallback rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without fallback rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{Rules: make(map[string]Rule)}, nil
	}

	if cfg.Rules == nil {
		cfg.Rules = make(map[string]Rule)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in
// FORESIGHT_CONFIG_PATH. Falls back to ".foresight.yaml" in the current
// directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
