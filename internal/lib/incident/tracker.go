package incident

import "time"

// Update summarizes the effect of one change on the set and the selection
type Update struct {
	Outcome Outcome
	Key     Key
	// Transition spans the whole change, recovery and pending selection included
	Transition Transition
	// SelectedRemoved is set when the change removed the active incident
	SelectedRemoved bool
}

// Tracker couples the merger with the selection so that every ingestion,
// removal and explicit selection runs the same recovery transition.
type Tracker struct {
	merger    *Merger
	selection *Selection
}

// NewTracker creates an empty tracker for the given station time zone
func NewTracker(loc *time.Location) *Tracker {
	return &Tracker{
		merger:    NewMerger(loc),
		selection: NewSelection(),
	}
}

// Apply ingests one change. The error is non-nil only for dropped events,
// in which case the selection is untouched.
func (t *Tracker) Apply(c Change) (Update, error) {
	before := t.selection.active
	outcome, err := t.merger.Apply(c)
	if err != nil {
		return Update{Outcome: outcome, Key: c.Key, Transition: Transition{From: before, To: before}}, err
	}

	removedSelected := outcome == OutcomeRemoved && before != nil && *before == c.Key

	t.selection.Reconcile(t.merger)
	if outcome == OutcomeInserted || outcome == OutcomeUpdated {
		t.selection.Observe(t.merger, c.Key)
	}

	after := t.selection.active
	return Update{
		Outcome:         outcome,
		Key:             c.Key,
		Transition:      Transition{From: before, To: after, Changed: !sameKey(before, after)},
		SelectedRemoved: removedSelected,
	}, nil
}

// Select makes key the active incident
func (t *Tracker) Select(key Key) (Transition, error) {
	return t.selection.Select(t.merger, key)
}

// Request selects key now or once it arrives
func (t *Tracker) Request(key Key) Transition {
	return t.selection.Request(t.merger, key)
}

// Active returns the selected incident
func (t *Tracker) Active() (Incident, bool) {
	key, ok := t.selection.Active()
	if !ok {
		return Incident{}, false
	}
	return t.merger.Get(key)
}

// Pending returns the key of an unapplied selection request
func (t *Tracker) Pending() (Key, bool) {
	return t.selection.Pending()
}

// Get returns the incident stored under key
func (t *Tracker) Get(key Key) (Incident, bool) {
	return t.merger.Get(key)
}

// Incidents returns all incidents ordered by sequence number
func (t *Tracker) Incidents() []Incident {
	return t.merger.List()
}

// Len returns the number of ongoing incidents
func (t *Tracker) Len() int {
	return t.merger.Len()
}
