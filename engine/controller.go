package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
	"github.com/timzifer/varsync/provider"
	"github.com/timzifer/varsync/telemetry"
)

// DefaultCacheTolerance pads each side of a requested range by this fraction
// of its width before extending the cache, so small scroll steps hit resident
// data instead of the network.
const DefaultCacheTolerance = 0.2

// Observer receives engine notifications. Callbacks arrive on engine
// goroutines and must not call back into the controller synchronously.
type Observer interface {
	VariableCreated(v *Variable)
	RequestInProgress(variableID uuid.UUID, percent float64)
	DataProvided(variableID uuid.UUID, requested, cache data.Range, packets []data.Packet)
	AcquisitionCanceled(variableID uuid.UUID)
	RequestSuperseded(logicalID uuid.UUID)
	DataInconsistency(variableID uuid.UUID, err error)
}

// Option configures the controller during construction.
type Option func(*Controller)

// WithCacheTolerance overrides the cache padding fraction.
func WithCacheTolerance(fraction float64) Option {
	return func(c *Controller) {
		if fraction >= 0 {
			c.cacheTolerance = fraction
		}
	}
}

// WithCollector attaches a telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(c *Controller) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// Controller is the engine facade: it owns the variables, their providers,
// the acquisition worker and the synchronization groups, and fans engine
// notifications out to registered observers.
type Controller struct {
	logger         zerolog.Logger
	collector      telemetry.Collector
	cacheTolerance float64

	store  *variableStore
	worker *Worker
	sync   *SyncController

	providerMu sync.RWMutex
	providers  map[uuid.UUID]provider.DataProvider

	obsMu     sync.RWMutex
	observers []Observer
}

// NewController constructs a ready-to-use engine. Close must be called to
// release the worker.
func NewController(logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		logger:         logger.With().Str("component", "variables").Logger(),
		collector:      telemetry.Noop(),
		cacheTolerance: DefaultCacheTolerance,
		store:          newVariableStore(),
		providers:      make(map[uuid.UUID]provider.DataProvider),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.worker = NewWorker(logger, (*workerSink)(c), c.collector)
	c.sync = NewSyncController(logger, c.loadRange)
	return c
}

// Close stops the acquisition worker.
func (c *Controller) Close() {
	c.worker.Close()
}

// Sink returns the callback sink providers report into.
func (c *Controller) Sink() provider.Sink { return c.worker }

// Synchronization exposes the group management surface.
func (c *Controller) Synchronization() *SyncController { return c.sync }

// AddObserver registers an observer for engine notifications.
func (c *Controller) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.obsMu.Lock()
	c.observers = append(c.observers, obs)
	c.obsMu.Unlock()
}

func (c *Controller) eachObserver(fn func(Observer)) {
	c.obsMu.RLock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.obsMu.RUnlock()
	for _, obs := range observers {
		fn(obs)
	}
}

// CreateVariable registers a new variable backed by the given provider.
func (c *Controller) CreateVariable(name, unit string, prov provider.DataProvider) (*Variable, error) {
	v := newVariable(name, unit)
	c.store.add(v)
	c.providerMu.Lock()
	c.providers[v.id] = prov
	c.providerMu.Unlock()

	c.logger.Info().Str("variable", v.id.String()).Str("name", name).Msg("variable created")
	c.eachObserver(func(obs Observer) { obs.VariableCreated(v) })
	return v, nil
}

// DeleteVariable aborts outstanding acquisitions, clears the cached data and
// removes the variable.
func (c *Controller) DeleteVariable(variableID uuid.UUID) error {
	v, err := c.store.remove(variableID)
	if err != nil {
		return err
	}
	c.worker.Abort(variableID)
	c.providerMu.Lock()
	delete(c.providers, variableID)
	c.providerMu.Unlock()
	v.reset()
	return nil
}

// Variable returns the variable with the given id.
func (c *Controller) Variable(variableID uuid.UUID) (*Variable, error) {
	return c.store.get(variableID)
}

// Variables returns all managed variables sorted by name.
func (c *Controller) Variables() []*Variable {
	return c.store.list()
}

// ApplyRangeChange is the user entry point for a range change on a variable.
// The change is classified against oldRange and fanned out across the
// variable's synchronization groups; every affected variable receives exactly
// one acquisition submission. keepCache=false resets the resident cache
// instead of extending it.
func (c *Controller) ApplyRangeChange(variableID uuid.UUID, newRange, oldRange data.Range, keepCache bool) error {
	if _, err := c.store.get(variableID); err != nil {
		return err
	}
	c.sync.ApplyRangeChange(variableID, newRange, oldRange, keepCache)
	return nil
}

// Abort cancels the outstanding acquisition of the variable, if any.
func (c *Controller) Abort(variableID uuid.UUID) {
	if c.worker.Abort(variableID) {
		c.eachObserver(func(obs Observer) { obs.AcquisitionCanceled(variableID) })
	}
}

// loadRange submits the acquisition for one affected variable. The cache
// range and the fetch holes are derived in the plan the worker resolves at
// dispatch time, so a queued request plans against the data its predecessor
// merged rather than the cache resident at submission. The cache only grows
// by prepend or append; it never shrinks unless keepCache is false.
func (c *Controller) loadRange(variableID uuid.UUID, newRange data.Range, keepCache bool) {
	v, err := c.store.get(variableID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("range change for unknown variable dropped")
		return
	}
	c.providerMu.RLock()
	prov := c.providers[variableID]
	c.providerMu.RUnlock()

	padded := newRange.Padded(c.cacheTolerance)
	plan := func() RequestPlan {
		resident := v.CacheRange()

		var cacheRange data.Range
		var holes []data.Range
		if !keepCache || !resident.Valid() {
			cacheRange = padded
			holes = []data.Range{cacheRange}
		} else {
			cacheRange = resident.Union(padded)
			if cacheRange.Start < resident.Start {
				holes = append(holes, data.Range{Start: cacheRange.Start, End: resident.Start})
			}
			if cacheRange.End > resident.End {
				holes = append(holes, data.Range{Start: resident.End, End: cacheRange.End})
			}
		}
		return RequestPlan{Cache: cacheRange, Params: data.ProviderParameters{Ranges: holes}}
	}

	logicalID := uuid.New()
	superseded := c.worker.Submit(logicalID, variableID, newRange, plan, prov)
	if superseded != uuid.Nil {
		c.eachObserver(func(obs Observer) { obs.RequestSuperseded(superseded) })
	}
}

// workerSink adapts the controller to the worker callback contract without
// widening the controller's public surface.
type workerSink Controller

func (s *workerSink) RequestProgress(variableID uuid.UUID, percent float64) {
	c := (*Controller)(s)
	c.collector.SetAcquisitionProgress(variableID.String(), percent)
	c.eachObserver(func(obs Observer) { obs.RequestInProgress(variableID, percent) })
}

func (s *workerSink) DataReady(variableID uuid.UUID, requested, cache data.Range, packets []data.Packet) {
	c := (*Controller)(s)
	v, err := c.store.get(variableID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("completed acquisition for unknown variable dropped")
		return
	}
	if err := v.mergePackets(requested, cache, packets); err != nil {
		c.logger.Error().Err(err).Str("variable", variableID.String()).Msg("merge rejected")
		c.collector.IncMergeError(variableID.String())
		c.eachObserver(func(obs Observer) { obs.DataInconsistency(variableID, err) })
		return
	}
	c.eachObserver(func(obs Observer) { obs.DataProvided(variableID, requested, cache, packets) })
}

func (s *workerSink) RequestCanceled(variableID uuid.UUID) {
	c := (*Controller)(s)
	c.eachObserver(func(obs Observer) { obs.AcquisitionCanceled(variableID) })
}
