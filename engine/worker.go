// Package engine implements the asynchronous acquisition and time-range
// synchronization core: per-variable request coalescing, progress
// aggregation, group propagation and cache merging.
package engine

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
	"github.com/timzifer/varsync/provider"
	"github.com/timzifer/varsync/telemetry"
)

// RequestPlan describes what an acquisition fetches: the cache range it will
// install and the holes to request from the provider.
type RequestPlan struct {
	Cache  data.Range
	Params data.ProviderParameters
}

// PlanFunc derives the plan for an acquisition. The worker invokes it on the
// dispatch goroutine right before handing the request to its provider, so a
// queued request plans against whatever its predecessor left merged instead
// of the data resident at submission.
type PlanFunc func() RequestPlan

// acquisitionRequest describes one fetch tracked by the worker. The struct is
// registered once under its acquisition id; the plan resolves at dispatch,
// afterwards only the progression counter mutates, always under the worker
// lock.
type acquisitionRequest struct {
	acqID      uuid.UUID
	logicalID  uuid.UUID
	variableID uuid.UUID
	requested  data.Range
	plan       PlanFunc
	cacheRange data.Range
	params     data.ProviderParameters
	size       int
	progress   int
	provider   provider.DataProvider
}

// requestSlot is the bounded per-variable queue: one executing acquisition
// and at most one queued replacement. uuid.Nil marks an empty position.
type requestSlot struct {
	current uuid.UUID
	next    uuid.UUID
}

// WorkerCallbacks receives the worker's outcomes. Implementations are invoked
// without any worker lock held; DataReady is delivered synchronously and
// strictly before the next queued request for the same variable is
// dispatched, so merging and dispatching cannot race on variable state.
type WorkerCallbacks interface {
	RequestProgress(variableID uuid.UUID, percent float64)
	DataReady(variableID uuid.UUID, requested, cache data.Range, packets []data.Packet)
	RequestCanceled(variableID uuid.UUID)
}

// Worker owns the acquisition lifecycle for every variable: it serializes
// dispatches per variable, coalesces bursts of range changes into a single
// pending follow-up, aggregates sub-fetch progress and accumulates packets
// until a request completes.
//
// The request table, packet accumulator and slot table are always mutated
// together, so a single reader/writer lock guards all three; no lock is ever
// held while calling provider code or emitting callbacks.
type Worker struct {
	logger    zerolog.Logger
	callbacks WorkerCallbacks
	collector telemetry.Collector

	mu       sync.RWMutex
	requests map[uuid.UUID]*acquisitionRequest
	packets  map[uuid.UUID][]data.Packet
	slots    map[uuid.UUID]*requestSlot

	execCh chan uuid.UUID
	quit   chan struct{}
	done   chan struct{}
}

// NewWorker builds a worker and starts its dispatch goroutine. Close must be
// called to release it.
func NewWorker(logger zerolog.Logger, callbacks WorkerCallbacks, collector telemetry.Collector) *Worker {
	if collector == nil {
		collector = telemetry.Noop()
	}
	w := &Worker{
		logger:    logger.With().Str("component", "acquisition").Logger(),
		callbacks: callbacks,
		collector: collector,
		requests:  make(map[uuid.UUID]*acquisitionRequest),
		packets:   make(map[uuid.UUID][]data.Packet),
		slots:     make(map[uuid.UUID]*requestSlot),
		execCh:    make(chan uuid.UUID, 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.dispatchLoop()
	return w
}

// Close stops the dispatch goroutine. Outstanding provider work is not
// awaited; late callbacks are dropped through the usual membership checks.
func (w *Worker) Close() {
	select {
	case <-w.quit:
		return
	default:
	}
	close(w.quit)
	<-w.done
}

// Submit registers a new acquisition for the variable. The first request for
// a variable becomes current and is dispatched asynchronously; while a
// current request exists, the submission replaces the queued next request.
// The logical id of a replaced next request is returned so the caller can
// report it as superseded; uuid.Nil means nothing was displaced. The plan is
// not resolved here: it runs when the request actually dispatches, so a
// queued submission still sees the cache state its predecessor produced.
func (w *Worker) Submit(logicalID, variableID uuid.UUID, requested data.Range,
	plan PlanFunc, prov provider.DataProvider) uuid.UUID {

	req := &acquisitionRequest{
		acqID:      uuid.New(),
		logicalID:  logicalID,
		variableID: variableID,
		requested:  requested,
		plan:       plan,
		provider:   prov,
	}

	superseded := uuid.Nil
	dispatch := false

	w.mu.Lock()
	w.requests[req.acqID] = req
	slot, ok := w.slots[variableID]
	if ok {
		// A request is already executing; replace the queued follow-up.
		if slot.next != uuid.Nil {
			if old, tracked := w.requests[slot.next]; tracked {
				superseded = old.logicalID
			}
			delete(w.requests, slot.next)
			delete(w.packets, slot.next)
		}
		slot.next = req.acqID
	} else {
		w.slots[variableID] = &requestSlot{current: req.acqID}
		dispatch = true
	}
	w.mu.Unlock()

	w.collector.IncAcquisitionStarted(variableID.String())
	if superseded != uuid.Nil {
		w.collector.IncAcquisitionSuperseded(variableID.String())
		w.logger.Debug().
			Str("variable", variableID.String()).
			Str("superseded", superseded.String()).
			Msg("queued request replaced")
	}
	if dispatch {
		w.enqueue(req.acqID)
	}
	return superseded
}

// Abort cancels the current acquisition of the variable and clears any queued
// next request. It is idempotent: aborting a variable with nothing
// outstanding is a no-op. The return value reports whether a request was
// actually cancelled.
func (w *Worker) Abort(variableID uuid.UUID) bool {
	w.mu.Lock()
	slot, ok := w.slots[variableID]
	if !ok {
		w.mu.Unlock()
		return false
	}
	currentID := slot.current
	var prov provider.DataProvider
	if req, tracked := w.requests[currentID]; tracked {
		prov = req.provider
	}
	delete(w.requests, slot.current)
	delete(w.packets, slot.current)
	delete(w.requests, slot.next)
	delete(w.packets, slot.next)
	delete(w.slots, variableID)
	w.mu.Unlock()

	// Advisory only: bookkeeping is already gone, late packets are dropped.
	if prov != nil {
		prov.RequestDataAborting(currentID)
	}
	w.collector.IncAcquisitionCanceled(variableID.String())
	return true
}

// Progress implements provider.Sink. The per-sub-fetch fraction is folded
// into the aggregate for the whole request: each of the N expected sub
// fetches contributes 100/N, completed ones fully, the running one scaled by
// the reported fraction. The aggregate is clamped to 100; reaching it is
// followed by a zero reset so progress indicators return to idle.
func (w *Worker) Progress(acqID uuid.UUID, percent float64) {
	w.mu.RLock()
	req, ok := w.requests[acqID]
	if !ok {
		w.mu.RUnlock()
		w.logger.Debug().Str("acquisition", acqID.String()).Msg("progress for unknown acquisition dropped")
		return
	}
	partSize := 0.0
	if req.size != 0 {
		partSize = 100.0 / float64(req.size)
	}
	part := 0.0
	if !math.IsNaN(percent) {
		part = percent * partSize / 100.0
	}
	aggregate := float64(req.progress)*partSize + part
	if aggregate > 100 {
		// Rounding on counts like 7 pushes the sum past 100.
		aggregate = 100
	}
	variableID := req.variableID
	w.mu.RUnlock()

	w.callbacks.RequestProgress(variableID, aggregate)
	if aggregate == 100.0 {
		w.callbacks.RequestProgress(variableID, 0)
	}
}

// DataProvided implements provider.Sink. The packet is appended to the
// request's accumulator; when the expected number of sub-fetches has arrived
// the ordered collection is delivered and the slot advances to the queued
// next request. Delivery happens strictly before the next dispatch.
func (w *Worker) DataProvided(acqID uuid.UUID, series *data.Series, acquired data.Range) {
	w.mu.Lock()
	req, ok := w.requests[acqID]
	if !ok {
		w.mu.Unlock()
		w.logger.Warn().Str("acquisition", acqID.String()).Msg("data for unknown acquisition dropped")
		return
	}
	w.packets[acqID] = append(w.packets[acqID], data.Packet{Range: acquired, Series: series})
	req.progress++
	if req.progress < req.size {
		w.mu.Unlock()
		return
	}

	packets := w.packets[acqID]
	variableID := req.variableID
	requested := req.requested
	cacheRange := req.cacheRange
	nextID := w.advanceLocked(variableID)
	w.mu.Unlock()

	w.callbacks.DataReady(variableID, requested, cacheRange, packets)
	w.collector.IncAcquisitionCompleted(variableID.String())
	if nextID != uuid.Nil {
		w.enqueue(nextID)
	}
}

// Failed implements provider.Sink. Partial state of the acquisition is
// discarded and the cancellation is surfaced; the engine never retries on its
// own. The queued next request, if any, still runs so the variable does not
// wedge.
func (w *Worker) Failed(acqID uuid.UUID) {
	w.mu.Lock()
	req, ok := w.requests[acqID]
	if !ok {
		w.mu.Unlock()
		w.logger.Debug().Str("acquisition", acqID.String()).Msg("failure for unknown acquisition dropped")
		return
	}
	variableID := req.variableID
	nextID := uuid.Nil
	if slot, tracked := w.slots[variableID]; tracked {
		switch acqID {
		case slot.current:
			nextID = w.advanceLocked(variableID)
		case slot.next:
			delete(w.requests, acqID)
			delete(w.packets, acqID)
			slot.next = uuid.Nil
		}
	}
	w.mu.Unlock()

	w.logger.Info().
		Str("acquisition", acqID.String()).
		Str("variable", variableID.String()).
		Msg("acquisition failed")
	w.callbacks.RequestCanceled(variableID)
	w.collector.IncAcquisitionCanceled(variableID.String())
	if nextID != uuid.Nil {
		w.enqueue(nextID)
	}
}

// TrackedRequests returns the number of requests currently tracked for the
// variable (executing plus queued).
func (w *Worker) TrackedRequests(variableID uuid.UUID) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	slot, ok := w.slots[variableID]
	if !ok {
		return 0
	}
	count := 0
	if slot.current != uuid.Nil {
		count++
	}
	if slot.next != uuid.Nil {
		count++
	}
	return count
}

// advanceLocked drops the current acquisition of the variable and promotes
// the queued next one. It returns the acquisition to dispatch, or uuid.Nil
// when the slot emptied. Callers must hold the write lock.
func (w *Worker) advanceLocked(variableID uuid.UUID) uuid.UUID {
	slot, ok := w.slots[variableID]
	if !ok {
		w.logger.Error().Str("variable", variableID.String()).Msg("cannot advance: no slot for variable")
		return uuid.Nil
	}
	delete(w.requests, slot.current)
	delete(w.packets, slot.current)
	if slot.next == uuid.Nil {
		delete(w.slots, variableID)
		return uuid.Nil
	}
	slot.current = slot.next
	slot.next = uuid.Nil
	return slot.current
}

func (w *Worker) enqueue(acqID uuid.UUID) {
	select {
	case w.execCh <- acqID:
	case <-w.quit:
	}
}

func (w *Worker) dispatchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case acqID := <-w.execCh:
			w.execute(acqID)
		}
	}
}

// execute resolves the request's plan and hands it over to its provider.
// Plans resolve here rather than at submission: a promoted request runs after
// its predecessor's merge landed, and its holes must be derived against that
// merged state or the fetch overlaps the cache interior and replaces resident
// samples. Requests whose plan yields no sub-ranges are vacuously satisfied:
// they still flow through the completion path so observers transition from
// loading to idle, but no provider call is made.
func (w *Worker) execute(acqID uuid.UUID) {
	w.mu.RLock()
	req, ok := w.requests[acqID]
	if !ok {
		w.mu.RUnlock()
		w.logger.Debug().Str("acquisition", acqID.String()).Msg("execute for unknown acquisition skipped")
		return
	}
	variableID := req.variableID
	requested := req.requested
	plan := req.plan
	prov := req.provider
	w.mu.RUnlock()

	resolved := RequestPlan{Cache: requested}
	if plan != nil {
		resolved = plan()
	}

	w.mu.Lock()
	req, ok = w.requests[acqID]
	if !ok {
		// Aborted while the plan was resolving.
		w.mu.Unlock()
		w.logger.Debug().Str("acquisition", acqID.String()).Msg("acquisition gone before dispatch")
		return
	}
	req.cacheRange = resolved.Cache
	req.params = resolved.Params
	req.size = len(resolved.Params.Ranges)
	params := req.params
	size := req.size
	cacheRange := req.cacheRange
	w.mu.Unlock()

	if size == 0 {
		w.mu.Lock()
		nextID := w.advanceLocked(variableID)
		w.mu.Unlock()

		w.callbacks.DataReady(variableID, requested, cacheRange, nil)
		w.callbacks.RequestProgress(variableID, 0)
		w.collector.IncAcquisitionCompleted(variableID.String())
		if nextID != uuid.Nil {
			w.enqueue(nextID)
		}
		return
	}

	if prov == nil {
		w.logger.Error().Str("variable", variableID.String()).Msg("no provider bound to variable")
		w.Failed(acqID)
		return
	}

	w.callbacks.RequestProgress(variableID, 0)
	prov.RequestDataLoading(acqID, params)
}
