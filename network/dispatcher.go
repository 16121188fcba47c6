// Package network provides the asynchronous HTTP dispatcher used by remote
// data providers. It keys every in-flight call by an opaque identifier so the
// engine can cancel or correlate replies without owning transport state.
package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotInitialized is returned when Process is called outside the
	// Initialize/Finalize window.
	ErrNotInitialized = errors.New("network dispatcher not initialized")
	// ErrDuplicateIdentifier is returned when an identifier is already in flight.
	ErrDuplicateIdentifier = errors.New("network request identifier already in flight")
)

// Reply carries the outcome of one dispatched request. Err is set when the
// transport failed or the call was canceled; Body is only valid when Err is
// nil.
type Reply struct {
	StatusCode int
	Body       []byte
	Err        error
}

// CompletionFunc is invoked exactly once per dispatched request.
type CompletionFunc func(reply *Reply, identifier uuid.UUID)

// ProgressFunc receives download progress as a 0-100 percentage.
type ProgressFunc func(identifier uuid.UUID, url string, percent float64)

type pendingRequest struct {
	cancel context.CancelFunc
}

// Dispatcher performs asynchronous HTTP calls keyed by identifier.
//
// The registry mapping identifiers to in-flight calls is guarded by a
// reader/writer lock; a separate working mutex serializes the
// Initialize/Finalize lifecycle so no request can be issued before
// initialization completes or after finalization begins.
type Dispatcher struct {
	logger   zerolog.Logger
	client   *http.Client
	progress ProgressFunc

	mu      sync.RWMutex
	pending map[uuid.UUID]*pendingRequest

	working     sync.Mutex
	stateMu     sync.Mutex
	initialized bool
}

// Option configures the dispatcher during construction.
type Option func(*Dispatcher)

// WithClient overrides the HTTP client used for dispatching.
func WithClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithProgress registers a download progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(d *Dispatcher) {
		d.progress = fn
	}
}

// NewDispatcher constructs a dispatcher. Initialize must be called before the
// first Process.
func NewDispatcher(logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:  logger.With().Str("component", "network").Logger(),
		client:  &http.Client{Timeout: 2 * time.Minute},
		pending: make(map[uuid.UUID]*pendingRequest),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Initialize opens the dispatch window. It holds the working mutex until
// Finalize so WaitForFinish blocks for the whole lifetime. Calling it on an
// already open dispatcher is a no-op.
func (d *Dispatcher) Initialize() {
	d.stateMu.Lock()
	if d.initialized {
		d.stateMu.Unlock()
		return
	}
	d.stateMu.Unlock()

	d.working.Lock()
	d.stateMu.Lock()
	d.initialized = true
	d.stateMu.Unlock()
	d.logger.Debug().Msg("dispatcher initialized")
}

// Finalize closes the dispatch window and cancels everything still in flight.
func (d *Dispatcher) Finalize() {
	d.stateMu.Lock()
	if !d.initialized {
		d.stateMu.Unlock()
		return
	}
	d.initialized = false
	d.stateMu.Unlock()

	d.mu.Lock()
	for id, req := range d.pending {
		req.cancel()
		delete(d.pending, id)
		d.logger.Debug().Str("identifier", id.String()).Msg("canceling request on finalize")
	}
	d.mu.Unlock()

	d.working.Unlock()
}

// WaitForFinish blocks until the dispatcher has been finalized.
func (d *Dispatcher) WaitForFinish() {
	d.working.Lock()
	d.working.Unlock()
}

// Process issues one HTTP call keyed by identifier and invokes onComplete
// exactly once when the reply (or failure) is available. The call itself runs
// on a dispatcher goroutine; Process never blocks on I/O.
func (d *Dispatcher) Process(req *http.Request, identifier uuid.UUID, onComplete CompletionFunc) error {
	if req == nil {
		return errors.New("request must not be nil")
	}
	if onComplete == nil {
		return errors.New("completion callback must not be nil")
	}
	d.stateMu.Lock()
	initialized := d.initialized
	d.stateMu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}

	ctx, cancel := context.WithCancel(req.Context())

	d.mu.Lock()
	if _, exists := d.pending[identifier]; exists {
		d.mu.Unlock()
		cancel()
		return ErrDuplicateIdentifier
	}
	d.pending[identifier] = &pendingRequest{cancel: cancel}
	d.mu.Unlock()

	go d.run(req.WithContext(ctx), identifier, onComplete)
	return nil
}

// Cancel aborts the in-flight call matching identifier. The completion
// callback still fires, carrying the cancellation error. Unknown identifiers
// are ignored.
func (d *Dispatcher) Cancel(identifier uuid.UUID) {
	d.mu.RLock()
	req, ok := d.pending[identifier]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug().Str("identifier", identifier.String()).Msg("cancel for unknown identifier ignored")
		return
	}
	req.cancel()
}

func (d *Dispatcher) run(req *http.Request, identifier uuid.UUID, onComplete CompletionFunc) {
	reply := d.execute(req, identifier)

	d.mu.Lock()
	_, tracked := d.pending[identifier]
	delete(d.pending, identifier)
	d.mu.Unlock()

	if !tracked {
		// Finalize raced the completion; the window is closed.
		return
	}
	onComplete(reply, identifier)
}

func (d *Dispatcher) execute(req *http.Request, identifier uuid.UUID) *Reply {
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug().Err(err).Str("identifier", identifier.String()).Msg("request failed")
		return &Reply{Err: err}
	}
	defer resp.Body.Close()

	body, err := d.readAll(resp, req, identifier)
	if err != nil {
		return &Reply{StatusCode: resp.StatusCode, Err: err}
	}
	return &Reply{StatusCode: resp.StatusCode, Body: body}
}

// readAll drains the body in chunks so download progress can be reported
// against the declared content length.
func (d *Dispatcher) readAll(resp *http.Response, req *http.Request, identifier uuid.UUID) ([]byte, error) {
	var body []byte
	buf := make([]byte, 32*1024)
	total := resp.ContentLength
	read := int64(0)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			read += int64(n)
			if d.progress != nil && total > 0 {
				percent := float64(read) * 100.0 / float64(total)
				if percent > 100 {
					percent = 100
				}
				d.progress(identifier, req.URL.String(), percent)
			}
		}
		if err == io.EOF {
			return body, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// InFlight returns the number of requests currently tracked.
func (d *Dispatcher) InFlight() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}
