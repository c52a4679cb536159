// Package feed defines the live incident feed port: a bounded-window,
// key-ordered stream of add/change/remove events for one report category.
package feed

import (
	"context"
	"errors"

	"github.com/dpup/resq/server/internal/lib/incident"
)

// ErrWindowUnavailable is returned when the one-shot window read cannot be served
var ErrWindowUnavailable = errors.New("feed window unavailable")

// Kind is the type of change an event carries
type Kind int

const (
	Added Kind = iota
	Changed
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one change to a record at Path/ID
type Event struct {
	Path   string
	ID     string
	Kind   Kind
	Record incident.Record
}

// Source is a live feed at a single path
type Source interface {
	// Path identifies the feed; it scopes dedup keys
	Path() string
	// ReadWindow performs the one-shot read of the current bounded window
	ReadWindow(ctx context.Context) ([]Event, error)
	// Subscribe attaches a live listener over the same window
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a cancelable event stream. Events is closed when the
// subscription ends, whether by Close, context cancellation or the provider.
type Subscription interface {
	Events() <-chan Event
	// Err reports why the stream ended, nil after a clean Close
	Err() error
	Close() error
}

// Writer updates records at their exact feed path
type Writer interface {
	MarkCompleted(ctx context.Context, id string) error
}

// Feed is a source that also accepts status write-back
type Feed interface {
	Source
	Writer
}
