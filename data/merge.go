package data

import "sort"

// Merge combines freshly acquired samples with an already resident series.
//
// Incoming samples that lie entirely before the resident series are
// prepended, entirely after are appended. At the junction the fresh sample
// wins: resident samples covered by the incoming time span are dropped so an
// adjacent fetch never duplicates the boundary timestamp. When the two spans
// overlap in the interior, the caller is expected to have fetched the full
// union, so the resident series is replaced wholesale.
func Merge(existing, incoming *Series) (*Series, error) {
	if incoming.Len() == 0 {
		return existing, nil
	}
	if existing.Len() == 0 {
		return incoming, nil
	}
	if existing.Components != incoming.Components {
		return nil, ErrComponentMismatch
	}

	switch {
	case incoming.LastTime() <= existing.FirstTime():
		// Entirely before: keep resident samples strictly after the fresh span.
		return concat(incoming, trimBefore(existing, incoming.LastTime())), nil
	case incoming.FirstTime() >= existing.LastTime():
		// Entirely after: keep resident samples strictly before the fresh span.
		return concat(trimAfter(existing, incoming.FirstTime()), incoming), nil
	default:
		// Interior overlap: the fetch covered the union, replace.
		return incoming, nil
	}
}

// MergePackets folds a completed request's packets into the resident series,
// lowest range first so a prepend hole and an append hole from the same
// request land on the correct side.
func MergePackets(existing *Series, packets []Packet) (*Series, error) {
	ordered := make([]Packet, 0, len(packets))
	for _, pkt := range packets {
		if pkt.Series.Len() == 0 {
			continue
		}
		ordered = append(ordered, pkt)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Series.FirstTime() < ordered[j].Series.FirstTime()
	})

	merged := existing
	for _, pkt := range ordered {
		next, err := Merge(merged, pkt.Series)
		if err != nil {
			return nil, err
		}
		merged = next
	}
	return merged, nil
}

// Crop returns the sub-series whose samples fall inside rng, bounds included.
// An invalid range crops to an empty series.
func Crop(s *Series, rng Range) *Series {
	if s.Len() == 0 {
		return s
	}
	if !rng.Valid() {
		return &Series{Components: s.Components}
	}
	lo := sort.SearchFloat64s(s.Times, rng.Start)
	hi := sort.SearchFloat64s(s.Times, rng.End)
	for hi < len(s.Times) && s.Times[hi] == rng.End {
		hi++
	}
	return &Series{
		Times:      s.Times[lo:hi],
		Values:     s.Values[lo*s.Components : hi*s.Components],
		Components: s.Components,
	}
}

// trimBefore drops samples with t <= cut.
func trimBefore(s *Series, cut float64) *Series {
	idx := sort.SearchFloat64s(s.Times, cut)
	for idx < len(s.Times) && s.Times[idx] == cut {
		idx++
	}
	return &Series{
		Times:      s.Times[idx:],
		Values:     s.Values[idx*s.Components:],
		Components: s.Components,
	}
}

// trimAfter drops samples with t >= cut.
func trimAfter(s *Series, cut float64) *Series {
	idx := sort.SearchFloat64s(s.Times, cut)
	return &Series{
		Times:      s.Times[:idx],
		Values:     s.Values[:idx*s.Components],
		Components: s.Components,
	}
}

func concat(a, b *Series) *Series {
	out := &Series{
		Times:      make([]float64, 0, a.Len()+b.Len()),
		Values:     make([]float64, 0, (a.Len()+b.Len())*a.Components),
		Components: a.Components,
	}
	out.Times = append(out.Times, a.Times...)
	out.Times = append(out.Times, b.Times...)
	out.Values = append(out.Values, a.Values...)
	out.Values = append(out.Values, b.Values...)
	return out
}
