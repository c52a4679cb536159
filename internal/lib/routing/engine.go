package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/dpup/resq/server/internal/lib/geo"
)

const (
	// DefaultThreshold is how far an endpoint must move before recomputing
	DefaultThreshold = 25.0
	// DefaultRetryInterval spaces retries for a pair that produced no route
	DefaultRetryInterval = 30 * time.Second
)

// ErrNoSuchRoute is returned when tapping a route index that does not exist
var ErrNoSuchRoute = errors.New("no such route")

// NoRouteMessage is shown when every provider came back empty
const NoRouteMessage = "No route found"

// Ticket identifies one routing request issued by the engine
type Ticket struct {
	Generation  uint64
	Origin      geo.Point
	Destination geo.Point
}

type pair struct {
	origin      geo.Point
	destination geo.Point
}

// Engine tracks route state for the active incident and decides when a
// recompute is due. It performs no I/O; callers run the Planner for each
// issued Ticket and report back through Complete. Not safe for concurrent use.
type Engine struct {
	threshold     float64
	retryInterval time.Duration
	now           func() time.Time

	origin      *geo.Point
	destination *geo.Point

	generation  uint64
	requested   *pair
	routesFor   *pair
	inflight    bool
	lastAttempt time.Time

	routes  []Route
	primary int
	message string
}

// NewEngine creates an engine. Zero values select the defaults.
func NewEngine(threshold float64, retryInterval time.Duration) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Engine{
		threshold:     threshold,
		retryInterval: retryInterval,
		now:           time.Now,
	}
}

// SetClock replaces the time source, for tests
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetOrigin records the operator's latest position
func (e *Engine) SetOrigin(p geo.Point) {
	e.origin = &p
}

// SetDestination records the active incident's latest position
func (e *Engine) SetDestination(p geo.Point) {
	e.destination = &p
}

// Invalidate drops all route state, e.g. when the selection changes.
// Results of requests issued before this call are discarded.
func (e *Engine) Invalidate() {
	e.generation++
	e.destination = nil
	e.requested = nil
	e.routesFor = nil
	e.inflight = false
	e.lastAttempt = time.Time{}
	e.routes = nil
	e.primary = 0
	e.message = ""
}

// NextRequest returns a ticket when a recompute is due: no route exists for
// the current pair yet, or an endpoint moved past the threshold since the
// last request. Only one request is in flight at a time.
func (e *Engine) NextRequest() (Ticket, bool) {
	if e.origin == nil || e.destination == nil || e.inflight {
		return Ticket{}, false
	}

	current := pair{origin: *e.origin, destination: *e.destination}
	due := false
	switch {
	case e.requested == nil:
		due = true
	case e.moved(*e.requested, current):
		due = true
	case e.routesFor == nil || *e.routesFor != *e.requested:
		// Last attempt for this pair failed
		due = e.now().Sub(e.lastAttempt) >= e.retryInterval
	}
	if !due {
		return Ticket{}, false
	}

	e.requested = &current
	e.inflight = true
	e.lastAttempt = e.now()
	return Ticket{Generation: e.generation, Origin: current.origin, Destination: current.destination}, true
}

func (e *Engine) moved(from, to pair) bool {
	return geo.Distance(from.origin, to.origin) > e.threshold ||
		geo.Distance(from.destination, to.destination) > e.threshold
}

// Complete applies the result of a ticket. It reports false when the ticket
// was superseded by Invalidate. An empty or failed result keeps the
// previously computed routes and sets the no-route message.
func (e *Engine) Complete(t Ticket, routes []Route, err error) bool {
	if t.Generation != e.generation {
		return false
	}
	e.inflight = false

	if err != nil || len(routes) == 0 {
		e.message = NoRouteMessage
		return true
	}

	e.routes = make([]Route, len(routes))
	copy(e.routes, routes)
	e.setPrimary(0)
	e.routesFor = &pair{origin: t.Origin, destination: t.Destination}
	e.message = ""
	return true
}

// Tap makes route i primary and returns the bounds to recenter on. The
// order of routes is unchanged.
func (e *Engine) Tap(i int) (geo.Bounds, error) {
	if i < 0 || i >= len(e.routes) {
		return geo.Bounds{}, fmt.Errorf("%w: %d (have %d)", ErrNoSuchRoute, i, len(e.routes))
	}
	e.setPrimary(i)
	bounds, _ := geo.BoundsOf(e.routes[i].Points)
	return bounds, nil
}

func (e *Engine) setPrimary(i int) {
	e.primary = i
	for j := range e.routes {
		e.routes[j].Primary = j == i
	}
}

// Routes returns a copy of the current routes in distance order
func (e *Engine) Routes() []Route {
	out := make([]Route, len(e.routes))
	copy(out, e.routes)
	return out
}

// Primary returns the emphasized route
func (e *Engine) Primary() (Route, bool) {
	if len(e.routes) == 0 {
		return Route{}, false
	}
	return e.routes[e.primary], true
}

// Summary describes the primary route, or "" when there is none
func (e *Engine) Summary() string {
	if r, ok := e.Primary(); ok {
		return r.Summary()
	}
	return ""
}

// Message returns the latest user-facing routing message
func (e *Engine) Message() string {
	return e.message
}

// InFlight reports whether a request is awaiting completion
func (e *Engine) InFlight() bool {
	return e.inflight
}
