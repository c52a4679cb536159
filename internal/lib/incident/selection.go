package incident

import (
	"errors"
	"fmt"
)

// ErrUnknownIncident is returned when selecting a key that is not in the set
var ErrUnknownIncident = errors.New("incident not found")

// IncidentSet is the read-only view of the incident set the selection needs
type IncidentSet interface {
	Get(key Key) (Incident, bool)
	Lowest() (Incident, bool)
}

// Transition reports a selection change. A nil key means NoSelection.
type Transition struct {
	From    *Key
	To      *Key
	Changed bool
}

// Selection tracks the operator's active incident and any selection request
// waiting for its incident to arrive. It holds keys only, never incidents.
type Selection struct {
	active  *Key
	pending *Key
}

// NewSelection starts in the NoSelection state
func NewSelection() *Selection {
	return &Selection{}
}

// Active returns the selected key
func (s *Selection) Active() (Key, bool) {
	if s.active == nil {
		return Key{}, false
	}
	return *s.active, true
}

// Pending returns the key of an unapplied external selection request
func (s *Selection) Pending() (Key, bool) {
	if s.pending == nil {
		return Key{}, false
	}
	return *s.pending, true
}

// Reconcile is the single recovery transition. It keeps a selection whose
// incident is still present, otherwise selects the lowest sequence number,
// or falls back to NoSelection when the set is empty.
func (s *Selection) Reconcile(set IncidentSet) Transition {
	if s.active != nil {
		if _, ok := set.Get(*s.active); ok {
			return s.transition(s.active)
		}
	}
	if lowest, ok := set.Lowest(); ok {
		key := lowest.Key
		return s.transition(&key)
	}
	return s.transition(nil)
}

// Select is an explicit operator choice of a present incident
func (s *Selection) Select(set IncidentSet, key Key) (Transition, error) {
	if _, ok := set.Get(key); !ok {
		return Transition{From: s.active, To: s.active}, fmt.Errorf("failed to select %s: %w", key, ErrUnknownIncident)
	}
	return s.transition(&key), nil
}

// Request handles a selection handed over from outside the session, such as
// a tapped alert. Absent incidents are remembered until they arrive.
func (s *Selection) Request(set IncidentSet, key Key) Transition {
	if _, ok := set.Get(key); ok {
		s.pending = nil
		return s.transition(&key)
	}
	s.pending = &key
	return Transition{From: s.active, To: s.active}
}

// Observe applies a pending request once an ingested event matches it
func (s *Selection) Observe(set IncidentSet, key Key) Transition {
	if s.pending == nil || *s.pending != key {
		return Transition{From: s.active, To: s.active}
	}
	if _, ok := set.Get(key); !ok {
		return Transition{From: s.active, To: s.active}
	}
	s.pending = nil
	return s.transition(&key)
}

func (s *Selection) transition(to *Key) Transition {
	from := s.active
	s.active = to
	return Transition{From: from, To: to, Changed: !sameKey(from, to)}
}

func sameKey(a, b *Key) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
