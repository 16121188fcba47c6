package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/timzifer/varsync/provider"
)

// Settings describes the configuration accepted under provider.settings.
type Settings struct {
	// URL is the endpoint queried per sub-range; start and end are appended
	// as query parameters in epoch seconds.
	URL string `json:"url"`
	// StartParam and EndParam override the query parameter names.
	StartParam string `json:"start_param,omitempty"`
	EndParam   string `json:"end_param,omitempty"`
	// Headers are added verbatim to every request.
	Headers map[string]string `json:"headers,omitempty"`
}

type resolvedSettings struct {
	base       *url.URL
	startParam string
	endParam   string
	headers    map[string]string
}

func parseSettings(raw provider.Settings) (resolvedSettings, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return resolvedSettings{}, fmt.Errorf("encode remote settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(encoded, &settings); err != nil {
		return resolvedSettings{}, fmt.Errorf("decode remote settings: %w", err)
	}
	if settings.URL == "" {
		return resolvedSettings{}, errors.New("remote provider requires a url")
	}
	base, err := url.Parse(settings.URL)
	if err != nil {
		return resolvedSettings{}, fmt.Errorf("parse url %q: %w", settings.URL, err)
	}
	resolved := resolvedSettings{
		base:       base,
		startParam: settings.StartParam,
		endParam:   settings.EndParam,
		headers:    settings.Headers,
	}
	if resolved.startParam == "" {
		resolved.startParam = "start"
	}
	if resolved.endParam == "" {
		resolved.endParam = "end"
	}
	return resolved, nil
}
