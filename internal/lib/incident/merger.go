package incident

import (
	"errors"
	"sort"
	"time"
)

// ErrNoLocation is returned when an ongoing record carries no usable coordinates
var ErrNoLocation = errors.New("record has no usable location")

// Outcome describes what applying a change did to the incident set
type Outcome int

const (
	// OutcomeIgnored means the change was dropped without touching the set
	OutcomeIgnored Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeRemoved
	// OutcomeNoop means a removal for a key that was not present
	OutcomeNoop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRemoved:
		return "removed"
	case OutcomeNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Change is one feed event addressed to an incident key
type Change struct {
	Key        Key
	Removed    bool
	Record     Record
	ReceivedAt time.Time
}

// Merger folds change events from every feed into one incident set.
// It is not safe for concurrent use; callers serialize access.
type Merger struct {
	incidents map[Key]*Incident
	nextSeq   int
	location  *time.Location
}

// NewMerger creates an empty merger. loc is the station time zone used for
// date/time fields; nil means time.Local.
func NewMerger(loc *time.Location) *Merger {
	if loc == nil {
		loc = time.Local
	}
	return &Merger{
		incidents: make(map[Key]*Incident),
		nextSeq:   1,
		location:  loc,
	}
}

// Apply upserts or removes the incident addressed by c
func (m *Merger) Apply(c Change) (Outcome, error) {
	if c.Removed || !c.Record.Ongoing() {
		return m.remove(c.Key), nil
	}

	location, ok := c.Record.Location()
	if !ok {
		return OutcomeIgnored, ErrNoLocation
	}

	ts, fromRecord := c.Record.Timestamp(m.location)

	if existing, seen := m.incidents[c.Key]; seen {
		existing.Location = location
		existing.Status = c.Record.Status()
		// Receipt time would make a replayed event differ from the original
		if fromRecord {
			existing.Timestamp = ts
		}
		existing.Reporter = c.Record.String("reporter")
		existing.Address = c.Record.String("address")
		existing.Details = c.Record.String("details")
		return OutcomeUpdated, nil
	}

	if !fromRecord {
		received := c.ReceivedAt
		if received.IsZero() {
			received = time.Now()
		}
		ts = received.UnixMilli()
	}

	m.incidents[c.Key] = &Incident{
		Key:       c.Key,
		Location:  location,
		Status:    c.Record.Status(),
		Timestamp: ts,
		Sequence:  m.nextSeq,
		Reporter:  c.Record.String("reporter"),
		Address:   c.Record.String("address"),
		Details:   c.Record.String("details"),
	}
	m.nextSeq++
	return OutcomeInserted, nil
}

func (m *Merger) remove(key Key) Outcome {
	if _, ok := m.incidents[key]; !ok {
		return OutcomeNoop
	}
	delete(m.incidents, key)
	if len(m.incidents) == 0 {
		m.nextSeq = 1
	}
	return OutcomeRemoved
}

// Get returns a copy of the incident stored under key
func (m *Merger) Get(key Key) (Incident, bool) {
	inc, ok := m.incidents[key]
	if !ok {
		return Incident{}, false
	}
	return *inc, true
}

// Len returns the number of ongoing incidents
func (m *Merger) Len() int {
	return len(m.incidents)
}

// Lowest returns the incident with the smallest sequence number
func (m *Merger) Lowest() (Incident, bool) {
	var lowest *Incident
	for _, inc := range m.incidents {
		if lowest == nil || inc.Sequence < lowest.Sequence {
			lowest = inc
		}
	}
	if lowest == nil {
		return Incident{}, false
	}
	return *lowest, true
}

// List returns copies of all incidents ordered by sequence number
func (m *Merger) List() []Incident {
	list := make([]Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		list = append(list, *inc)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Sequence < list[j].Sequence
	})
	return list
}
