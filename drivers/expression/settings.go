package expression

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/timzifer/varsync/provider"
)

const (
	defaultResolution  = 1.0
	maxSamplesPerFetch = 10_000_000
)

// Settings describes the configuration accepted under provider.settings.
type Settings struct {
	// Formula is evaluated once per sample with t bound to the timestamp.
	Formula string `json:"formula"`
	// Formulas evaluates one expression per component; mutually exclusive
	// with Formula.
	Formulas []string `json:"formulas,omitempty"`
	// Resolution is the sample spacing in seconds, given as string or number
	// so sub-second spacings survive the config round trip exactly.
	Resolution json.Number `json:"resolution,omitempty"`
	// Delay simulates provider latency per sub-range, in seconds.
	Delay float64 `json:"delay,omitempty"`
}

type resolvedSettings struct {
	formulas   []string
	resolution float64
	delay      float64
}

func parseSettings(raw provider.Settings) (resolvedSettings, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return resolvedSettings{}, fmt.Errorf("encode expression settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(encoded, &settings); err != nil {
		return resolvedSettings{}, fmt.Errorf("decode expression settings: %w", err)
	}

	resolved := resolvedSettings{resolution: defaultResolution, delay: settings.Delay}
	switch {
	case settings.Formula != "" && len(settings.Formulas) > 0:
		return resolvedSettings{}, errors.New("formula and formulas are mutually exclusive")
	case settings.Formula != "":
		resolved.formulas = []string{settings.Formula}
	case len(settings.Formulas) > 0:
		resolved.formulas = settings.Formulas
	default:
		return resolvedSettings{}, errors.New("expression provider requires a formula")
	}

	if settings.Resolution != "" {
		parsed, err := decimal.NewFromString(settings.Resolution.String())
		if err != nil {
			return resolvedSettings{}, fmt.Errorf("parse resolution %q: %w", settings.Resolution, err)
		}
		resolution, _ := parsed.Float64()
		if resolution <= 0 {
			return resolvedSettings{}, fmt.Errorf("resolution must be positive, got %s", settings.Resolution)
		}
		resolved.resolution = resolution
	}
	if resolved.delay < 0 {
		return resolvedSettings{}, fmt.Errorf("delay must not be negative, got %g", resolved.delay)
	}
	return resolved, nil
}
