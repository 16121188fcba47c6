// Package expression implements a synthetic data provider whose samples are
// computed from a formula over the timestamp. It serves as a model source for
// demos and as a deterministic provider in tests.
package expression

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
	"github.com/timzifer/varsync/provider"
)

// Driver is the registry name of this provider.
const Driver = "expression"

func init() {
	provider.Register(Driver, NewFactory())
}

// NewFactory returns a provider.Factory building expression providers.
func NewFactory() provider.Factory {
	return func(settings provider.Settings, deps provider.Dependencies) (provider.DataProvider, error) {
		if deps.Callbacks == nil {
			return nil, fmt.Errorf("expression provider requires a callback sink")
		}
		resolved, err := parseSettings(settings)
		if err != nil {
			return nil, err
		}
		programs := make([]*vm.Program, 0, len(resolved.formulas))
		for _, formula := range resolved.formulas {
			program, err := expr.Compile(formula, expr.Env(exprEnv(0)), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("compile formula %q: %w", formula, err)
			}
			programs = append(programs, program)
		}
		return &Provider{
			logger:     deps.Logger.With().Str("driver", Driver).Logger(),
			sink:       deps.Callbacks,
			programs:   programs,
			resolution: resolved.resolution,
			delay:      time.Duration(resolved.delay * float64(time.Second)),
			active:     make(map[uuid.UUID]context.CancelFunc),
		}, nil
	}
}

// Provider evaluates its formulas over every requested sub-range on a
// dedicated goroutine per acquisition.
type Provider struct {
	logger     zerolog.Logger
	sink       provider.Sink
	programs   []*vm.Program
	resolution float64
	delay      time.Duration

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

func exprEnv(t float64) map[string]interface{} {
	return map[string]interface{}{
		"t":   t,
		"sin": math.Sin,
		"cos": math.Cos,
		"exp": math.Exp,
		"abs": math.Abs,
		"pi":  math.Pi,
	}
}

// RequestDataLoading implements provider.DataProvider.
func (p *Provider) RequestDataLoading(acqID uuid.UUID, params data.ProviderParameters) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.active[acqID] = cancel
	p.mu.Unlock()

	go p.load(ctx, acqID, params)
}

// RequestDataAborting implements provider.DataProvider. Generation stops at
// the next sub-range boundary; no further callbacks are emitted.
func (p *Provider) RequestDataAborting(acqID uuid.UUID) {
	p.mu.Lock()
	cancel, ok := p.active[acqID]
	delete(p.active, acqID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Provider) load(ctx context.Context, acqID uuid.UUID, params data.ProviderParameters) {
	defer func() {
		p.mu.Lock()
		delete(p.active, acqID)
		p.mu.Unlock()
	}()

	for _, rng := range params.Ranges {
		if ctx.Err() != nil {
			return
		}
		if p.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.delay):
			}
		}
		series, err := p.generate(rng)
		if err != nil {
			p.logger.Error().Err(err).Stringer("range", rng).Msg("formula evaluation failed")
			if ctx.Err() == nil {
				p.sink.Failed(acqID)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.sink.Progress(acqID, 100)
		p.sink.DataProvided(acqID, series, rng)
	}
}

// generate samples the formulas from rng.Start to rng.End inclusive.
func (p *Provider) generate(rng data.Range) (*data.Series, error) {
	if !rng.Valid() {
		return nil, fmt.Errorf("invalid range %v", rng)
	}
	count := int(math.Floor(rng.Width()/p.resolution)) + 1
	if count > maxSamplesPerFetch {
		return nil, fmt.Errorf("range %v exceeds %d samples at resolution %g", rng, maxSamplesPerFetch, p.resolution)
	}
	components := len(p.programs)
	times := make([]float64, 0, count)
	values := make([]float64, 0, count*components)
	for i := 0; i < count; i++ {
		t := rng.Start + float64(i)*p.resolution
		times = append(times, t)
		for _, program := range p.programs {
			out, err := vm.Run(program, exprEnv(t))
			if err != nil {
				return nil, err
			}
			value, err := toFloat(out)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
	}
	return data.NewSeries(times, values, components)
}

func toFloat(v interface{}) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	default:
		return 0, fmt.Errorf("formula returned %T, want a number", v)
	}
}
