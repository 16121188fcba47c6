package data

import (
	"fmt"
	"math"
)

// Range describes a closed time interval in epoch seconds.
//
// Scientific providers commonly address sub-second resolutions, therefore the
// bounds are kept as float64 seconds rather than time.Time values.
type Range struct {
	Start float64
	End   float64
}

// InvalidRange is the zero value used to mark an unset interval.
var InvalidRange = Range{Start: math.NaN(), End: math.NaN()}

// Valid reports whether the range has ordered, finite bounds.
func (r Range) Valid() bool {
	if math.IsNaN(r.Start) || math.IsNaN(r.End) {
		return false
	}
	if math.IsInf(r.Start, 0) || math.IsInf(r.End, 0) {
		return false
	}
	return r.Start <= r.End
}

// Width returns the duration of the interval in seconds.
func (r Range) Width() float64 {
	if !r.Valid() {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether other lies entirely inside r.
func (r Range) Contains(other Range) bool {
	if !r.Valid() || !other.Valid() {
		return false
	}
	return other.Start >= r.Start && other.End <= r.End
}

// Intersects reports whether the two ranges share at least one instant.
func (r Range) Intersects(other Range) bool {
	if !r.Valid() || !other.Valid() {
		return false
	}
	return other.Start <= r.End && other.End >= r.Start
}

// Union returns the smallest range covering both r and other. An invalid
// operand is ignored so the union of a fresh cache and a requested range is
// simply the requested range.
func (r Range) Union(other Range) Range {
	if !r.Valid() {
		return other
	}
	if !other.Valid() {
		return r
	}
	return Range{Start: math.Min(r.Start, other.Start), End: math.Max(r.End, other.End)}
}

// Shifted returns the range moved by delta seconds.
func (r Range) Shifted(delta float64) Range {
	return Range{Start: r.Start + delta, End: r.End + delta}
}

// Padded widens the range by fraction of its width on each side.
func (r Range) Padded(fraction float64) Range {
	if !r.Valid() || fraction <= 0 {
		return r
	}
	pad := r.Width() * fraction
	return Range{Start: r.Start - pad, End: r.End + pad}
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Start, r.End)
}
