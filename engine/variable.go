package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/timzifer/varsync/data"
)

// ErrVariableNotFound is returned when an identifier resolves to no variable.
var ErrVariableNotFound = errors.New("variable not found")

// Variable is a named time series managed by the engine. Its visible range,
// resident cache range and samples are always updated together under the same
// lock so observers never see a window where range and content disagree.
type Variable struct {
	id   uuid.UUID
	name string
	unit string

	mu         sync.RWMutex
	rng        data.Range
	cacheRange data.Range
	series     *data.Series
}

func newVariable(name, unit string) *Variable {
	return &Variable{
		id:         uuid.New(),
		name:       name,
		unit:       unit,
		rng:        data.InvalidRange,
		cacheRange: data.InvalidRange,
	}
}

// ID returns the stable unique identifier of the variable.
func (v *Variable) ID() uuid.UUID { return v.id }

// Name returns the display name.
func (v *Variable) Name() string { return v.name }

// Unit returns the unit metadata.
func (v *Variable) Unit() string { return v.unit }

// Range returns the currently visible time range.
func (v *Variable) Range() data.Range {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rng
}

// CacheRange returns the time extent of the data resident in memory.
func (v *Variable) CacheRange() data.Range {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cacheRange
}

// Series returns a copy of the resident samples.
func (v *Variable) Series() *data.Series {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.series.Clone()
}

// mergePackets folds a completed acquisition into the resident series and
// installs the new visible and cache ranges in the same critical section.
// Samples outside the new cache range are evicted, which is what empties the
// cache after a jump without cache keeping.
func (v *Variable) mergePackets(requested, cache data.Range, packets []data.Packet) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	merged, err := data.MergePackets(v.series, packets)
	if err != nil {
		return err
	}
	v.series = data.Crop(merged, cache)
	v.rng = requested
	v.cacheRange = cache
	return nil
}

// reset clears the resident data, typically on deletion.
func (v *Variable) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.series = nil
	v.rng = data.InvalidRange
	v.cacheRange = data.InvalidRange
}

type variableStore struct {
	mu        sync.RWMutex
	variables map[uuid.UUID]*Variable
}

func newVariableStore() *variableStore {
	return &variableStore{variables: make(map[uuid.UUID]*Variable)}
}

func (s *variableStore) add(v *Variable) {
	s.mu.Lock()
	s.variables[v.id] = v
	s.mu.Unlock()
}

func (s *variableStore) get(id uuid.UUID) (*Variable, error) {
	s.mu.RLock()
	v, ok := s.variables[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("variable %s: %w", id, ErrVariableNotFound)
	}
	return v, nil
}

func (s *variableStore) remove(id uuid.UUID) (*Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[id]
	if !ok {
		return nil, fmt.Errorf("variable %s: %w", id, ErrVariableNotFound)
	}
	delete(s.variables, id)
	return v, nil
}

func (s *variableStore) list() []*Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Variable, 0, len(s.variables))
	for _, v := range s.variables {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
