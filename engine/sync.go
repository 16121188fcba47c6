package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/varsync/data"
)

// ErrGroupNotFound is returned when a group id resolves to no group.
var ErrGroupNotFound = errors.New("synchronization group not found")

// ChangeKind classifies a range change relative to the previous range.
type ChangeKind int

const (
	// ChangePanZoom covers every change where the endpoints move
	// independently: zooms, pans with width changes, and jumps.
	ChangePanZoom ChangeKind = iota
	// ChangeShift is a width-preserving move of both endpoints by the same
	// delta, as produced by a playback step.
	ChangeShift
)

func (k ChangeKind) String() string {
	if k == ChangeShift {
		return "shift"
	}
	return "pan-zoom"
}

// Classify determines whether a range change is a pure shift or a pan/zoom.
// A change counts as a shift only when both endpoint deltas are exactly equal
// and non-zero; everything else, including a no-op, propagates as pan/zoom.
func Classify(newRange, oldRange data.Range) ChangeKind {
	if !oldRange.Valid() || !newRange.Valid() {
		return ChangePanZoom
	}
	deltaStart := newRange.Start - oldRange.Start
	deltaEnd := newRange.End - oldRange.End
	if deltaStart == deltaEnd && deltaStart != 0 {
		return ChangeShift
	}
	return ChangePanZoom
}

// RangeApplier receives the transformed range for one affected variable.
type RangeApplier func(variableID uuid.UUID, newRange data.Range, keepCache bool)

// SyncController keeps named groups of variables aligned under pan/zoom
// operations. Membership is independent of acquisition coalescing: the
// controller only decides which variables are affected by a change, the
// injected applier issues the per-variable acquisition.
type SyncController struct {
	logger zerolog.Logger
	apply  RangeApplier

	mu     sync.RWMutex
	groups map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewSyncController constructs a controller delivering transformed ranges to
// apply.
func NewSyncController(logger zerolog.Logger, apply RangeApplier) *SyncController {
	return &SyncController{
		logger: logger.With().Str("component", "synchronization").Logger(),
		apply:  apply,
		groups: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// CreateGroup registers an empty synchronization group.
func (s *SyncController) CreateGroup(groupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[groupID]; exists {
		return fmt.Errorf("synchronization group %s already exists", groupID)
	}
	s.groups[groupID] = make(map[uuid.UUID]struct{})
	return nil
}

// AddToGroup adds the variable to the group.
func (s *SyncController) AddToGroup(variableID, groupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}
	members[variableID] = struct{}{}
	return nil
}

// RemoveFromGroup removes the variable from the group.
func (s *SyncController) RemoveFromGroup(variableID, groupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}
	delete(members, variableID)
	return nil
}

// GroupMembers returns the variables of the group.
func (s *SyncController) GroupMembers(groupID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}
	out := make([]uuid.UUID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

// ApplyRangeChange is the entry point for a user-driven range change. The
// acting variable always receives its own change. Pan/zoom changes propagate
// the identical new range to every other member of the acting variable's
// groups so synchronized plots stay aligned on a shared axis; pure shifts do
// not propagate, so temporal playback of one variable never silently scrolls
// the others.
func (s *SyncController) ApplyRangeChange(variableID uuid.UUID, newRange, oldRange data.Range, keepCache bool) {
	kind := Classify(newRange, oldRange)

	s.apply(variableID, newRange, keepCache)
	if kind == ChangeShift {
		s.logger.Debug().
			Str("variable", variableID.String()).
			Stringer("range", newRange).
			Msg("shift not propagated to group members")
		return
	}

	for _, member := range s.peers(variableID) {
		s.apply(member, newRange, keepCache)
	}
}

// peers collects every distinct variable sharing at least one group with
// variableID, excluding the variable itself.
func (s *SyncController) peers(variableID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, members := range s.groups {
		if _, ok := members[variableID]; !ok {
			continue
		}
		for member := range members {
			if member == variableID {
				continue
			}
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			out = append(out, member)
		}
	}
	return out
}
