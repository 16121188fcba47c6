package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
)

// manualProvider records dispatches without answering them, so tests drive
// the worker callbacks explicitly.
type manualProvider struct {
	mu     sync.Mutex
	loads  []manualLoad
	aborts []uuid.UUID
}

type manualLoad struct {
	acqID  uuid.UUID
	params data.ProviderParameters
}

func (p *manualProvider) RequestDataLoading(acqID uuid.UUID, params data.ProviderParameters) {
	p.mu.Lock()
	p.loads = append(p.loads, manualLoad{acqID: acqID, params: params})
	p.mu.Unlock()
}

func (p *manualProvider) RequestDataAborting(acqID uuid.UUID) {
	p.mu.Lock()
	p.aborts = append(p.aborts, acqID)
	p.mu.Unlock()
}

func (p *manualProvider) loadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loads)
}

func (p *manualProvider) load(i int) manualLoad {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads[i]
}

// recordingCallbacks captures every worker notification.
type recordingCallbacks struct {
	mu       sync.Mutex
	progress []float64
	ready    []readyEvent
	canceled []uuid.UUID
}

type readyEvent struct {
	variableID uuid.UUID
	requested  data.Range
	cache      data.Range
	packets    []data.Packet
}

func (c *recordingCallbacks) RequestProgress(_ uuid.UUID, percent float64) {
	c.mu.Lock()
	c.progress = append(c.progress, percent)
	c.mu.Unlock()
}

func (c *recordingCallbacks) DataReady(variableID uuid.UUID, requested, cache data.Range, packets []data.Packet) {
	c.mu.Lock()
	c.ready = append(c.ready, readyEvent{variableID: variableID, requested: requested, cache: cache, packets: packets})
	c.mu.Unlock()
}

func (c *recordingCallbacks) RequestCanceled(variableID uuid.UUID) {
	c.mu.Lock()
	c.canceled = append(c.canceled, variableID)
	c.mu.Unlock()
}

func (c *recordingCallbacks) readyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}

func (c *recordingCallbacks) canceledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.canceled)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// rampSeries builds a single-component series over [start, end] with one
// sample per second where each value equals its timestamp.
func rampSeries(t *testing.T, start, end float64) *data.Series {
	t.Helper()
	var times, values []float64
	for ts := start; ts <= end; ts++ {
		times = append(times, ts)
		values = append(values, ts)
	}
	series, err := data.NewSeries(times, values, 1)
	if err != nil {
		t.Fatalf("building ramp series: %v", err)
	}
	return series
}

func newTestWorker(t *testing.T) (*Worker, *recordingCallbacks) {
	t.Helper()
	callbacks := &recordingCallbacks{}
	worker := NewWorker(zerolog.Nop(), callbacks, nil)
	t.Cleanup(worker.Close)
	return worker, callbacks
}

func singleRange(start, end float64) data.ProviderParameters {
	return data.ProviderParameters{Ranges: []data.Range{{Start: start, End: end}}}
}

func fixedPlan(cache data.Range, params data.ProviderParameters) PlanFunc {
	return func() RequestPlan { return RequestPlan{Cache: cache, Params: params} }
}

func TestSubmitDispatchesFirstRequest(t *testing.T) {
	worker, _ := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	superseded := worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 10},
		fixedPlan(data.Range{Start: 0, End: 10}, singleRange(0, 10)), prov)
	if superseded != uuid.Nil {
		t.Fatalf("first submission must not supersede anything")
	}

	waitFor(t, "dispatch", func() bool { return prov.loadCount() == 1 })
	if got := prov.load(0).params.Ranges[0]; got != (data.Range{Start: 0, End: 10}) {
		t.Fatalf("unexpected dispatched range: %v", got)
	}
	if worker.TrackedRequests(variableID) != 1 {
		t.Fatalf("expected one tracked request, got %d", worker.TrackedRequests(variableID))
	}
}

func TestCoalescingSkipsSupersededRequest(t *testing.T) {
	worker, callbacks := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	r1 := uuid.New()
	r2 := uuid.New()
	r3 := uuid.New()

	worker.Submit(r1, variableID, data.Range{Start: 0, End: 10}, fixedPlan(data.Range{Start: 0, End: 10}, singleRange(0, 10)), prov)
	waitFor(t, "first dispatch", func() bool { return prov.loadCount() == 1 })

	if got := worker.Submit(r2, variableID, data.Range{Start: 10, End: 20}, fixedPlan(data.Range{Start: 10, End: 20}, singleRange(10, 20)), prov); got != uuid.Nil {
		t.Fatalf("queueing into an empty next slot must not supersede, got %s", got)
	}
	if got := worker.Submit(r3, variableID, data.Range{Start: 20, End: 30}, fixedPlan(data.Range{Start: 20, End: 30}, singleRange(20, 30)), prov); got != r2 {
		t.Fatalf("expected %s to be superseded, got %s", r2, got)
	}
	if tracked := worker.TrackedRequests(variableID); tracked != 2 {
		t.Fatalf("at most two requests may be tracked, got %d", tracked)
	}

	// Finish the current request; only the third may be dispatched next.
	series := rampSeries(t, 0, 10)
	worker.DataProvided(prov.load(0).acqID, series, data.Range{Start: 0, End: 10})

	waitFor(t, "follow-up dispatch", func() bool { return prov.loadCount() == 2 })
	if got := prov.load(1).params.Ranges[0]; got != (data.Range{Start: 20, End: 30}) {
		t.Fatalf("superseded request was dispatched: %v", got)
	}
	if callbacks.readyCount() != 1 {
		t.Fatalf("expected one completion, got %d", callbacks.readyCount())
	}
}

func TestProgressAggregationAndReset(t *testing.T) {
	worker, callbacks := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	params := data.ProviderParameters{Ranges: []data.Range{
		{Start: 0, End: 10},
		{Start: 10, End: 20},
	}}
	worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 20}, fixedPlan(data.Range{Start: 0, End: 20}, params), prov)
	waitFor(t, "dispatch", func() bool { return prov.loadCount() == 1 })
	acqID := prov.load(0).acqID

	worker.Progress(acqID, 50)
	worker.DataProvided(acqID, rampSeries(t, 0, 10), data.Range{Start: 0, End: 10})
	worker.Progress(acqID, 50)
	worker.Progress(acqID, 100)
	worker.DataProvided(acqID, rampSeries(t, 10, 20), data.Range{Start: 10, End: 20})

	waitFor(t, "completion", func() bool { return callbacks.readyCount() == 1 })

	callbacks.mu.Lock()
	progress := append([]float64(nil), callbacks.progress...)
	callbacks.mu.Unlock()

	// Initial dispatch hint, then 25, 75, 100 and the final reset to 0.
	want := []float64{0, 25, 75, 100, 0}
	if len(progress) != len(want) {
		t.Fatalf("unexpected progress sequence: %v", progress)
	}
	for i, value := range want {
		if progress[i] != value {
			t.Fatalf("progress[%d] = %g, want %g (sequence %v)", i, progress[i], value, progress)
		}
	}
	last := -1.0
	for _, value := range progress[:len(progress)-1] {
		if value < last {
			t.Fatalf("progress not monotonic before reset: %v", progress)
		}
		last = value
	}
}

func TestQueuedRequestPlansAtDispatchTime(t *testing.T) {
	worker, _ := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 10},
		fixedPlan(data.Range{Start: 0, End: 10}, singleRange(0, 10)), prov)
	waitFor(t, "first dispatch", func() bool { return prov.loadCount() == 1 })

	// The queued plan reads state the first completion will update, the way
	// the controller derives fetch holes from the resident cache.
	var mu sync.Mutex
	residentEnd := 10.0
	worker.Submit(uuid.New(), variableID, data.Range{Start: 20, End: 30}, func() RequestPlan {
		mu.Lock()
		defer mu.Unlock()
		return RequestPlan{
			Cache:  data.Range{Start: 0, End: 30},
			Params: data.ProviderParameters{Ranges: []data.Range{{Start: residentEnd, End: 30}}},
		}
	}, prov)

	mu.Lock()
	residentEnd = 20
	mu.Unlock()
	worker.DataProvided(prov.load(0).acqID, rampSeries(t, 0, 10), data.Range{Start: 0, End: 10})

	waitFor(t, "promoted dispatch", func() bool { return prov.loadCount() == 2 })
	got := prov.load(1).params.Ranges
	if len(got) != 1 || got[0] != (data.Range{Start: 20, End: 30}) {
		t.Fatalf("promoted request fetched %v, want only the span left open after the first merge", got)
	}
}

func TestProgressClampedForUnevenSubFetchCount(t *testing.T) {
	worker, callbacks := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	var ranges []data.Range
	for i := 0; i < 7; i++ {
		start := float64(i * 10)
		ranges = append(ranges, data.Range{Start: start, End: start + 10})
	}
	worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 70},
		fixedPlan(data.Range{Start: 0, End: 70}, data.ProviderParameters{Ranges: ranges}), prov)
	waitFor(t, "dispatch", func() bool { return prov.loadCount() == 1 })
	acqID := prov.load(0).acqID

	// Six of seven parts done; 6*(100/7) + 100/7 overshoots 100 in floats.
	for _, rng := range ranges[:6] {
		worker.DataProvided(acqID, rampSeries(t, rng.Start, rng.End), rng)
	}
	worker.Progress(acqID, 100)

	callbacks.mu.Lock()
	progress := append([]float64(nil), callbacks.progress...)
	callbacks.mu.Unlock()

	for _, value := range progress {
		if value > 100 {
			t.Fatalf("progress above 100 reported: %v", progress)
		}
	}
	if n := len(progress); n < 2 || progress[n-2] != 100 || progress[n-1] != 0 {
		t.Fatalf("expected a 100 followed by the zero reset, got %v", progress)
	}
}

func TestZeroSubFetchCompletesVacuously(t *testing.T) {
	worker, callbacks := newTestWorker(t)
	variableID := uuid.New()

	worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 10},
		fixedPlan(data.Range{Start: 0, End: 10}, data.ProviderParameters{}), &manualProvider{})

	waitFor(t, "vacuous completion", func() bool { return callbacks.readyCount() == 1 })

	callbacks.mu.Lock()
	event := callbacks.ready[0]
	callbacks.mu.Unlock()
	if len(event.packets) != 0 {
		t.Fatalf("expected empty packet collection, got %d", len(event.packets))
	}
	if worker.TrackedRequests(variableID) != 0 {
		t.Fatalf("slot must be cleared after vacuous completion")
	}
}

func TestAbortCancelsCurrentAndClearsNext(t *testing.T) {
	worker, callbacks := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 10}, fixedPlan(data.Range{Start: 0, End: 10}, singleRange(0, 10)), prov)
	waitFor(t, "dispatch", func() bool { return prov.loadCount() == 1 })
	worker.Submit(uuid.New(), variableID, data.Range{Start: 10, End: 20}, fixedPlan(data.Range{Start: 10, End: 20}, singleRange(10, 20)), prov)

	if !worker.Abort(variableID) {
		t.Fatalf("abort of an active variable must report cancellation")
	}
	if worker.TrackedRequests(variableID) != 0 {
		t.Fatalf("abort must clear current and next")
	}
	prov.mu.Lock()
	aborted := len(prov.aborts)
	prov.mu.Unlock()
	if aborted != 1 {
		t.Fatalf("provider must be told to abort the current fetch once, got %d", aborted)
	}

	// A late packet for the aborted acquisition is dropped silently.
	worker.DataProvided(prov.load(0).acqID, rampSeries(t, 0, 10), data.Range{Start: 0, End: 10})
	time.Sleep(50 * time.Millisecond)
	if callbacks.readyCount() != 0 {
		t.Fatalf("late packet after abort must not complete")
	}
}

func TestAbortWithoutOutstandingRequestIsNoop(t *testing.T) {
	worker, callbacks := newTestWorker(t)

	if worker.Abort(uuid.New()) {
		t.Fatalf("abort with nothing outstanding must be a no-op")
	}
	if callbacks.canceledCount() != 0 {
		t.Fatalf("no notification expected for idempotent abort")
	}
}

func TestFailureDiscardsAndPromotesNext(t *testing.T) {
	worker, callbacks := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 10}, fixedPlan(data.Range{Start: 0, End: 10}, singleRange(0, 10)), prov)
	waitFor(t, "dispatch", func() bool { return prov.loadCount() == 1 })
	worker.Submit(uuid.New(), variableID, data.Range{Start: 10, End: 20}, fixedPlan(data.Range{Start: 10, End: 20}, singleRange(10, 20)), prov)

	worker.Failed(prov.load(0).acqID)

	waitFor(t, "promotion after failure", func() bool { return prov.loadCount() == 2 })
	if callbacks.canceledCount() != 1 {
		t.Fatalf("failure must surface exactly one cancellation, got %d", callbacks.canceledCount())
	}
	if got := prov.load(1).params.Ranges[0]; got != (data.Range{Start: 10, End: 20}) {
		t.Fatalf("queued request must run after failure, got %v", got)
	}
}

func TestUnknownIdentifiersAreDropped(t *testing.T) {
	worker, callbacks := newTestWorker(t)

	worker.DataProvided(uuid.New(), rampSeries(t, 0, 5), data.Range{Start: 0, End: 5})
	worker.Progress(uuid.New(), 50)
	worker.Failed(uuid.New())

	time.Sleep(20 * time.Millisecond)
	if callbacks.readyCount() != 0 || callbacks.canceledCount() != 0 {
		t.Fatalf("unknown identifiers must never produce notifications")
	}
}

func TestDispatchOrderFollowsSubmissionOrder(t *testing.T) {
	worker, callbacks := newTestWorker(t)
	prov := &manualProvider{}
	variableID := uuid.New()

	worker.Submit(uuid.New(), variableID, data.Range{Start: 0, End: 10}, fixedPlan(data.Range{Start: 0, End: 10}, singleRange(0, 10)), prov)
	waitFor(t, "first dispatch", func() bool { return prov.loadCount() == 1 })
	worker.Submit(uuid.New(), variableID, data.Range{Start: 10, End: 20}, fixedPlan(data.Range{Start: 10, End: 20}, singleRange(10, 20)), prov)

	worker.DataProvided(prov.load(0).acqID, rampSeries(t, 0, 10), data.Range{Start: 0, End: 10})
	waitFor(t, "second dispatch", func() bool { return prov.loadCount() == 2 })
	worker.DataProvided(prov.load(1).acqID, rampSeries(t, 10, 20), data.Range{Start: 10, End: 20})

	waitFor(t, "both completions", func() bool { return callbacks.readyCount() == 2 })
	callbacks.mu.Lock()
	defer callbacks.mu.Unlock()
	if callbacks.ready[0].requested.Start != 0 || callbacks.ready[1].requested.Start != 10 {
		t.Fatalf("completions out of order: %+v", callbacks.ready)
	}
}
