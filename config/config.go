// Package config loads and validates the engine configuration. Files may be
// written in YAML or CUE; both decode into the same Config tree.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON accepts the same string form from CUE evaluation.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	trimmed := strings.Trim(string(raw), `"`)
	return d.parse(trimmed)
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	URL     string            `yaml:"url" json:"url"`
	Labels  map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level,omitempty"`
	Format string     `yaml:"format,omitempty" json:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki" json:"loki,omitempty"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// StatusConfig configures the optional status HTTP server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// EngineConfig tunes the acquisition engine.
type EngineConfig struct {
	// CacheTolerance pads each side of a requested range by this fraction of
	// its width before extending the cache. Negative values are rejected; nil
	// selects the engine default.
	CacheTolerance *float64 `yaml:"cache_tolerance,omitempty" json:"cache_tolerance,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
}

// RangeConfig is a closed time interval in epoch seconds.
type RangeConfig struct {
	Start float64 `yaml:"start" json:"start"`
	End   float64 `yaml:"end" json:"end"`
}

// ProviderConfig selects and parameterizes the data source of a variable.
type ProviderConfig struct {
	Driver   string                 `yaml:"driver" json:"driver"`
	Settings map[string]interface{} `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// VariableConfig declares one managed variable.
type VariableConfig struct {
	ID       string         `yaml:"id" json:"id"`
	Name     string         `yaml:"name,omitempty" json:"name,omitempty"`
	Unit     string         `yaml:"unit,omitempty" json:"unit,omitempty"`
	Provider ProviderConfig `yaml:"provider" json:"provider"`
	// InitialRange triggers a first acquisition right after startup.
	InitialRange *RangeConfig `yaml:"initial_range,omitempty" json:"initial_range,omitempty"`
}

// GroupConfig declares a synchronization group and its members.
type GroupConfig struct {
	ID      string   `yaml:"id" json:"id"`
	Members []string `yaml:"members" json:"members"`
}

// Config is the root configuration structure for the engine service.
type Config struct {
	Name      string           `yaml:"name,omitempty" json:"name,omitempty"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging,omitempty"`
	Telemetry TelemetryConfig  `yaml:"telemetry" json:"telemetry,omitempty"`
	Status    StatusConfig     `yaml:"status" json:"status,omitempty"`
	Engine    EngineConfig     `yaml:"engine" json:"engine,omitempty"`
	Variables []VariableConfig `yaml:"variables" json:"variables"`
	Groups    []GroupConfig    `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Load reads and decodes a configuration file. The format is selected by the
// file extension: .cue is evaluated as CUE, everything else is parsed as
// YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return parseCUE(raw, path)
	default:
		return parseYAML(raw)
	}
}

func parseYAML(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func parseCUE(raw []byte, path string) (*Config, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(raw)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	var cfg Config
	if err := value.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks structural consistency of the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.Engine.CacheTolerance != nil && *c.Engine.CacheTolerance < 0 {
		return fmt.Errorf("engine cache_tolerance must not be negative, got %g", *c.Engine.CacheTolerance)
	}

	variables := make(map[string]struct{}, len(c.Variables))
	for _, v := range c.Variables {
		if v.ID == "" {
			return errors.New("variable id must not be empty")
		}
		if _, dup := variables[v.ID]; dup {
			return fmt.Errorf("duplicate variable id %q", v.ID)
		}
		variables[v.ID] = struct{}{}
		if v.Provider.Driver == "" {
			return fmt.Errorf("variable %s missing provider driver", v.ID)
		}
		if v.InitialRange != nil && v.InitialRange.Start > v.InitialRange.End {
			return fmt.Errorf("variable %s initial range is inverted", v.ID)
		}
	}

	groups := make(map[string]struct{}, len(c.Groups))
	for _, g := range c.Groups {
		if g.ID == "" {
			return errors.New("group id must not be empty")
		}
		if _, dup := groups[g.ID]; dup {
			return fmt.Errorf("duplicate group id %q", g.ID)
		}
		groups[g.ID] = struct{}{}
		for _, member := range g.Members {
			if _, known := variables[member]; !known {
				return fmt.Errorf("group %s references unknown variable %q", g.ID, member)
			}
		}
	}
	return nil
}
