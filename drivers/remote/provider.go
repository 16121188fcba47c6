// Package remote implements a data provider fetching samples over HTTP
// through the network dispatcher. The payload is CSV, one sample per row:
// the timestamp in epoch seconds followed by one value per component.
package remote

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
	"github.com/timzifer/varsync/network"
	"github.com/timzifer/varsync/provider"
)

// Driver is the registry name of this provider.
const Driver = "remote"

func init() {
	provider.Register(Driver, NewFactory())
}

var (
	routerMu sync.RWMutex
	router   = make(map[uuid.UUID]*routeEntry)
)

type routeEntry struct {
	provider *Provider
	acqID    uuid.UUID
}

// RouteProgress forwards dispatcher download progress to the provider owning
// the network identifier. Wire it into the dispatcher via
// network.WithProgress.
func RouteProgress(identifier uuid.UUID, _ string, percent float64) {
	routerMu.RLock()
	entry, ok := router[identifier]
	routerMu.RUnlock()
	if !ok {
		return
	}
	entry.provider.sink.Progress(entry.acqID, percent)
}

func registerRoute(identifier uuid.UUID, p *Provider, acqID uuid.UUID) {
	routerMu.Lock()
	router[identifier] = &routeEntry{provider: p, acqID: acqID}
	routerMu.Unlock()
}

func dropRoute(identifier uuid.UUID) {
	routerMu.Lock()
	delete(router, identifier)
	routerMu.Unlock()
}

// NewFactory returns a provider.Factory building remote providers. The
// dispatcher dependency is mandatory.
func NewFactory() provider.Factory {
	return func(settings provider.Settings, deps provider.Dependencies) (provider.DataProvider, error) {
		if deps.Callbacks == nil {
			return nil, fmt.Errorf("remote provider requires a callback sink")
		}
		if deps.Dispatcher == nil {
			return nil, fmt.Errorf("remote provider requires a network dispatcher")
		}
		resolved, err := parseSettings(settings)
		if err != nil {
			return nil, err
		}
		return &Provider{
			logger:     deps.Logger.With().Str("driver", Driver).Logger(),
			sink:       deps.Callbacks,
			dispatcher: deps.Dispatcher,
			settings:   resolved,
			active:     make(map[uuid.UUID][]uuid.UUID),
		}, nil
	}
}

// Provider fetches one HTTP resource per sub-range and reports the decoded
// samples back to the engine.
type Provider struct {
	logger     zerolog.Logger
	sink       provider.Sink
	dispatcher *network.Dispatcher
	settings   resolvedSettings

	mu     sync.Mutex
	active map[uuid.UUID][]uuid.UUID
}

// RequestDataLoading implements provider.DataProvider.
func (p *Provider) RequestDataLoading(acqID uuid.UUID, params data.ProviderParameters) {
	for _, rng := range params.Ranges {
		req, err := p.buildRequest(rng)
		if err != nil {
			p.logger.Error().Err(err).Stringer("range", rng).Msg("request construction failed")
			p.fail(acqID)
			return
		}
		netID := uuid.New()
		p.mu.Lock()
		p.active[acqID] = append(p.active[acqID], netID)
		p.mu.Unlock()
		registerRoute(netID, p, acqID)

		subRange := rng
		err = p.dispatcher.Process(req, netID, func(reply *network.Reply, identifier uuid.UUID) {
			p.onReply(acqID, identifier, subRange, reply)
		})
		if err != nil {
			p.forget(acqID, netID)
			p.logger.Error().Err(err).Msg("dispatch failed")
			p.fail(acqID)
			return
		}
	}
}

// RequestDataAborting implements provider.DataProvider. Outstanding network
// calls are canceled through the dispatcher; their completions are dropped
// because the acquisition no longer owns their identifiers.
func (p *Provider) RequestDataAborting(acqID uuid.UUID) {
	p.mu.Lock()
	identifiers := p.active[acqID]
	delete(p.active, acqID)
	p.mu.Unlock()

	for _, netID := range identifiers {
		dropRoute(netID)
		p.dispatcher.Cancel(netID)
	}
}

func (p *Provider) buildRequest(rng data.Range) (*http.Request, error) {
	target := *p.settings.base
	query := target.Query()
	query.Set(p.settings.startParam, strconv.FormatFloat(rng.Start, 'f', -1, 64))
	query.Set(p.settings.endParam, strconv.FormatFloat(rng.End, 'f', -1, 64))
	target.RawQuery = query.Encode()

	req, err := http.NewRequest(http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for key, value := range p.settings.headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func (p *Provider) onReply(acqID, netID uuid.UUID, rng data.Range, reply *network.Reply) {
	if !p.forget(acqID, netID) {
		// Completion of a fetch already canceled or failed over.
		return
	}

	if reply.Err != nil {
		p.logger.Warn().Err(reply.Err).Stringer("range", rng).Msg("fetch failed")
		p.fail(acqID)
		return
	}
	if reply.StatusCode != http.StatusOK {
		p.logger.Warn().Int("status", reply.StatusCode).Stringer("range", rng).Msg("unexpected status")
		p.fail(acqID)
		return
	}
	series, err := decodeCSV(reply.Body)
	if err != nil {
		p.logger.Warn().Err(err).Stringer("range", rng).Msg("payload decode failed")
		p.fail(acqID)
		return
	}
	p.sink.Progress(acqID, 100)
	p.sink.DataProvided(acqID, series, rng)
}

// fail cancels the acquisition's remaining in-flight fetches and reports the
// failure once. Siblings canceled here complete with an error and are dropped
// by the ownership check in onReply.
func (p *Provider) fail(acqID uuid.UUID) {
	p.RequestDataAborting(acqID)
	p.sink.Failed(acqID)
}

// forget releases the network identifier and reports whether the acquisition
// still owned it.
func (p *Provider) forget(acqID, netID uuid.UUID) bool {
	dropRoute(netID)
	p.mu.Lock()
	defer p.mu.Unlock()
	identifiers := p.active[acqID]
	for i, id := range identifiers {
		if id != netID {
			continue
		}
		p.active[acqID] = append(identifiers[:i], identifiers[i+1:]...)
		if len(p.active[acqID]) == 0 {
			delete(p.active, acqID)
		}
		return true
	}
	return false
}

func decodeCSV(body []byte) (*data.Series, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return data.EmptySeries(1), nil
	}

	components := len(records[0]) - 1
	if components < 1 {
		return nil, fmt.Errorf("csv row needs a timestamp and at least one value, got %d fields", len(records[0]))
	}
	times := make([]float64, 0, len(records))
	values := make([]float64, 0, len(records)*components)
	for i, record := range records {
		if len(record) != components+1 {
			return nil, fmt.Errorf("csv row %d has %d fields, want %d", i+1, len(record), components+1)
		}
		ts, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return nil, fmt.Errorf("csv row %d timestamp: %w", i+1, err)
		}
		times = append(times, ts)
		for _, field := range record[1:] {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("csv row %d value: %w", i+1, err)
			}
			values = append(values, value)
		}
	}
	return data.NewSeries(times, values, components)
}
