// Package provider defines the contract between the acquisition engine and
// its pluggable data sources.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
	"github.com/timzifer/varsync/network"
)

// Sink receives the asynchronous results of a data provider. The acquisition
// worker implements it; providers must call it from their own goroutines and
// never while holding locks shared with the engine.
type Sink interface {
	// DataProvided delivers the samples fetched for one sub-range.
	DataProvided(acqID uuid.UUID, series *data.Series, acquired data.Range)
	// Progress reports the advancement of the current sub-range fetch, 0-100.
	Progress(acqID uuid.UUID, percent float64)
	// Failed signals that the acquisition cannot be completed.
	Failed(acqID uuid.UUID)
}

// DataProvider turns acquisition parameters into one or more asynchronous
// fetches and reports results through the Sink it was constructed with.
//
// RequestDataLoading must return quickly; the actual work happens on provider
// goroutines. RequestDataAborting is best effort: the engine drops late
// callbacks for aborted acquisitions regardless of whether the underlying
// fetch stopped in time.
type DataProvider interface {
	RequestDataLoading(acqID uuid.UUID, params data.ProviderParameters)
	RequestDataAborting(acqID uuid.UUID)
}

// Dependencies carries everything a factory may need to build a provider.
type Dependencies struct {
	Callbacks  Sink
	Logger     zerolog.Logger
	Dispatcher *network.Dispatcher
}

// Settings is the driver specific configuration blob, decoded by the factory.
type Settings map[string]interface{}

// Factory creates provider instances from driver settings.
//
// Factories are registered under a stable driver name so the service can
// construct the provider for each configured variable during startup.
type Factory func(settings Settings, deps Dependencies) (DataProvider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a provider factory under the given driver name.
func Register(driver string, factory Factory) {
	if driver == "" {
		panic("provider driver name must not be empty")
	}
	if factory == nil {
		panic("provider factory must not be nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[driver]; exists {
		panic(fmt.Sprintf("provider factory for %s already registered", driver))
	}
	registry[driver] = factory
}

// New instantiates the provider registered under driver.
func New(driver string, settings Settings, deps Dependencies) (DataProvider, error) {
	registryMu.RLock()
	factory, ok := registry[driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider driver %s not registered", driver)
	}
	return factory(settings, deps)
}

// RegisteredDrivers returns the sorted names of all known drivers.
func RegisteredDrivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	drivers := make([]string, 0, len(registry))
	for name := range registry {
		drivers = append(drivers, name)
	}
	sort.Strings(drivers)
	return drivers
}
