// Package data holds the time-range arithmetic and sample containers shared
// by the acquisition engine and its data providers.
package data

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrComponentMismatch is returned when two series with a different number of
// components per sample are combined. It marks a provider contract violation
// rather than a transient failure.
var ErrComponentMismatch = errors.New("series component count mismatch")

// Series is an ordered collection of samples. Values are stored row major:
// sample i occupies Values[i*Components : (i+1)*Components].
type Series struct {
	Times      []float64
	Values     []float64
	Components int
}

// NewSeries builds a series and validates the shape of its payload.
func NewSeries(times, values []float64, components int) (*Series, error) {
	if components <= 0 {
		return nil, fmt.Errorf("series components must be positive, got %d", components)
	}
	if len(values) != len(times)*components {
		return nil, fmt.Errorf("series shape mismatch: %d times, %d values, %d components",
			len(times), len(values), components)
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			return nil, fmt.Errorf("series times not sorted at index %d", i)
		}
	}
	return &Series{Times: times, Values: values, Components: components}, nil
}

// EmptySeries returns a series with no samples and the given component count.
func EmptySeries(components int) *Series {
	if components <= 0 {
		components = 1
	}
	return &Series{Components: components}
}

// Len returns the number of samples.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Times)
}

// Sample returns the component values of sample i.
func (s *Series) Sample(i int) []float64 {
	return s.Values[i*s.Components : (i+1)*s.Components]
}

// FirstTime returns the timestamp of the first sample.
func (s *Series) FirstTime() float64 {
	return s.Times[0]
}

// LastTime returns the timestamp of the last sample.
func (s *Series) LastTime() float64 {
	return s.Times[len(s.Times)-1]
}

// Bounds returns the time extent actually covered by the samples.
func (s *Series) Bounds() Range {
	if s.Len() == 0 {
		return InvalidRange
	}
	return Range{Start: s.FirstTime(), End: s.LastTime()}
}

// Clone returns a deep copy of the series.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	clone := &Series{
		Times:      make([]float64, len(s.Times)),
		Values:     make([]float64, len(s.Values)),
		Components: s.Components,
	}
	copy(clone.Times, s.Times)
	copy(clone.Values, s.Values)
	return clone
}

// Stats summarises the first component of a series.
type Stats struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
}

// Stats computes min/max/mean over the first component. The mean is summed
// with decimals so long series do not drift through float accumulation.
func (s *Series) Stats() Stats {
	if s.Len() == 0 {
		return Stats{}
	}
	first := s.Sample(0)[0]
	stats := Stats{Count: s.Len(), Min: first, Max: first}
	sum := decimal.Zero
	for i := 0; i < s.Len(); i++ {
		v := s.Sample(i)[0]
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	mean, _ := sum.Div(decimal.NewFromInt(int64(stats.Count))).Float64()
	stats.Mean = mean
	return stats
}
