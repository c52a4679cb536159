package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	prefaberrors "github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"

	"github.com/dpup/resq/server/internal/feed"
	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/lib/routing"
	"github.com/dpup/resq/server/internal/metrics"
	"github.com/dpup/resq/server/internal/render"
)

var (
	// ErrNoSelection is returned by operations that need an active incident
	ErrNoSelection = errors.New("no incident selected")
	// ErrSessionClosed is returned once Close has been called
	ErrSessionClosed = errors.New("dispatch session closed")
	// ErrNoWriter is returned when the active incident's feed is read-only
	ErrNoWriter = errors.New("feed does not accept status updates")
)

// IdleStatus is displayed when there is nothing to respond to
const IdleStatus = "No ongoing incidents"

// RoutePlanner computes ranked routes between two points
type RoutePlanner interface {
	Plan(ctx context.Context, origin, destination geo.Point) ([]routing.Route, error)
}

// FeedBinding attaches a live feed to the incident source it carries
type FeedBinding struct {
	Source incident.Source
	Feed   feed.Source
}

// SessionConfig wires a DispatchSession
type SessionConfig struct {
	Feeds    []FeedBinding
	Location *time.Location
	Planner  RoutePlanner
	Renderer render.Renderer
	Metrics  *metrics.Metrics

	RouteThreshold     float64
	RouteRetryInterval time.Duration
	// TickInterval paces routing retries when nothing else happens
	TickInterval time.Duration

	Now func() time.Time
}

// Snapshot is an immutable view of the session published after every
// mutation. Slices are never modified after publication.
type Snapshot struct {
	SessionID string              `json:"session_id"`
	Incidents []incident.Incident `json:"incidents"`
	Active    *incident.Incident  `json:"active,omitempty"`
	Pending   *incident.Key       `json:"pending,omitempty"`
	Routes    []routing.Route     `json:"routes"`
	Position  *geo.Point          `json:"position,omitempty"`
	Status    string              `json:"status"`
	Message   string              `json:"message,omitempty"`
	Routing   bool                `json:"routing"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type liveFeed struct {
	source incident.Source
	feed   feed.Source
	cancel context.CancelFunc
	sub    feed.Subscription
}

// DispatchSession is the single writer of the incident set, the selection
// and the route state. Feed events, routing results and operator actions
// are all posted to its inbox and applied on one goroutine.
type DispatchSession struct {
	id       string
	feeds    []FeedBinding
	tracker  *incident.Tracker
	engine   *routing.Engine
	planner  RoutePlanner
	renderer render.Renderer
	metrics  *metrics.Metrics
	tick     time.Duration
	now      func() time.Time

	// Loop-owned state
	position *geo.Point
	message  string

	snapshot atomic.Pointer[Snapshot]

	// logCtx carries the logger for code running outside a caller's context
	logCtx context.Context
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	stop   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	live      []*liveFeed
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// NewDispatchSession creates a session. Start attaches the feeds.
func NewDispatchSession(cfg SessionConfig) *DispatchSession {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewScene()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	engine := routing.NewEngine(cfg.RouteThreshold, cfg.RouteRetryInterval)
	engine.SetClock(cfg.Now)

	s := &DispatchSession{
		id:       uuid.NewString(),
		feeds:    cfg.Feeds,
		tracker:  incident.NewTracker(cfg.Location),
		engine:   engine,
		planner:  cfg.Planner,
		renderer: cfg.Renderer,
		metrics:  cfg.Metrics,
		tick:     cfg.TickInterval,
		now:      cfg.Now,
		logCtx:   logging.EnsureLogger(context.Background()),
		inbox:    make(chan func(), 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.renderer.SetStatus(IdleStatus)
	s.publish()
	return s
}

// ID identifies the session in logs and snapshots
func (s *DispatchSession) ID() string {
	return s.id
}

// Start subscribes to every feed and starts the session loop. A feed that
// fails to subscribe is logged and skipped; Start fails only when no feed
// could be attached.
func (s *DispatchSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("dispatch session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(logging.EnsureLogger(ctx))
	s.logCtx = s.ctx
	s.mu.Unlock()

	go s.loop()

	var errs []error
	attached := 0
	for _, b := range s.feeds {
		if err := s.attach(b); err != nil {
			logging.Errorw(s.ctx, "Dispatch: failed to attach feed",
				"session", s.id, "source", b.Source, "path", b.Feed.Path(), "error", err)
			errs = append(errs, err)
			continue
		}
		attached++
	}

	if attached == 0 && len(s.feeds) > 0 {
		return fmt.Errorf("failed to attach any feed: %w", errors.Join(errs...))
	}
	logging.Infow(s.ctx, "Dispatch: session started", "session", s.id, "feeds", attached)
	return nil
}

func (s *DispatchSession) attach(b FeedBinding) error {
	ctx, cancel := context.WithCancel(s.ctx)
	sub, err := b.Feed.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", b.Feed.Path(), err)
	}

	lf := &liveFeed{source: b.Source, feed: b.Feed, cancel: cancel, sub: sub}
	s.mu.Lock()
	s.live = append(s.live, lf)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forward(ctx, lf)
	return nil
}

// forward posts every event of one subscription into the inbox
func (s *DispatchSession) forward(ctx context.Context, lf *liveFeed) {
	defer s.wg.Done()
	defer s.recoverPanic("forwarder")

	for e := range lf.sub.Events() {
		received := s.now()
		if !s.post(func() { s.ingest(lf.source, e, received) }) {
			return
		}
	}

	// No automatic resubscription; the operator restarts the session
	if err := lf.sub.Err(); err != nil && ctx.Err() == nil {
		logging.Warnw(ctx, "Dispatch: live feed cancelled by provider",
			"session", s.id, "source", lf.source, "path", lf.feed.Path(), "error", err)
	}
}

func (s *DispatchSession) loop() {
	defer close(s.done)
	defer s.recoverPanic("loop")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-ticker.C:
		case <-s.stop:
			return
		}
		s.maybeRoute()
		s.publish()
	}
}

func (s *DispatchSession) recoverPanic(where string) {
	if r := recover(); r != nil {
		err, _ := prefaberrors.ParseStack(debug.Stack())
		logging.Errorw(s.logCtx, "Dispatch: recovered from panic",
			"session", s.id, "where", where, "error", r, "error.stack_trace", err.MinimalStack(3, 5))
	}
}

// post queues fn for the loop. It reports false once the session stops.
func (s *DispatchSession) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.stop:
		return false
	}
}

// do runs fn on the loop and waits for its result
func (s *DispatchSession) do(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("dispatch session not started")
	}

	errc := make(chan error, 1)
	run := func() {
		err := fn()
		// Callers read the snapshot right after returning
		s.maybeRoute()
		s.publish()
		errc <- err
	}
	if !s.post(run) {
		return ErrSessionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *DispatchSession) ingest(source incident.Source, e feed.Event, received time.Time) {
	s.metrics.FeedEvents.WithLabelValues(string(source), e.Kind.String()).Inc()

	key := incident.Key{Source: source, ID: e.ID}
	upd, err := s.tracker.Apply(incident.Change{
		Key:        key,
		Removed:    e.Kind == feed.Removed,
		Record:     e.Record,
		ReceivedAt: received,
	})
	if err != nil {
		s.metrics.DroppedEvents.WithLabelValues(string(source), "no_location").Inc()
		logging.Debugw(s.ctx, "Dispatch: dropped feed event", "session", s.id, "key", key.String(), "error", err)
		return
	}
	s.metrics.ActiveIncidents.Set(float64(s.tracker.Len()))

	active, hasActive := s.tracker.Active()
	switch upd.Outcome {
	case incident.OutcomeInserted, incident.OutcomeUpdated:
		if inc, ok := s.tracker.Get(key); ok {
			s.renderer.ShowIncident(inc, hasActive && active.Key == key)
		}
	case incident.OutcomeRemoved:
		s.renderer.RemoveIncident(key)
	}

	if upd.SelectedRemoved {
		outcome := "idle"
		if upd.Transition.To != nil {
			outcome = "reselected"
		}
		s.metrics.SelectionRecoveries.WithLabelValues(outcome).Inc()
		logging.Infow(s.ctx, "Dispatch: active incident left the set",
			"session", s.id, "key", key.String(), "recovered", outcome)
	}

	if upd.Transition.Changed {
		s.selectionChanged(upd.Transition)
		return
	}

	// The active incident moved or changed status
	if hasActive && active.Key == key && upd.Outcome == incident.OutcomeUpdated {
		s.engine.SetDestination(active.Location)
		s.refreshStatus()
	}
}

// selectionChanged re-marks the pins and resets route state
func (s *DispatchSession) selectionChanged(t incident.Transition) {
	if t.From != nil {
		if inc, ok := s.tracker.Get(*t.From); ok {
			s.renderer.ShowIncident(inc, false)
		}
	}

	s.engine.Invalidate()
	s.renderer.ClearRoutes()
	s.message = ""

	if t.To != nil {
		if inc, ok := s.tracker.Get(*t.To); ok {
			s.renderer.ShowIncident(inc, true)
			s.engine.SetDestination(inc.Location)
		}
	}

	from, to := "", ""
	if t.From != nil {
		from = t.From.String()
	}
	if t.To != nil {
		to = t.To.String()
	}
	logging.Infow(s.ctx, "Dispatch: selection changed", "session", s.id, "from", from, "to", to)
	s.refreshStatus()
}

func (s *DispatchSession) refreshStatus() {
	active, ok := s.tracker.Active()
	if !ok {
		s.renderer.SetStatus(IdleStatus)
		return
	}
	s.renderer.SetStatus(active.StatusLine(s.engine.Summary()))
}

// maybeRoute issues a routing request when the engine says one is due. The
// planner runs off the loop and posts its result back.
func (s *DispatchSession) maybeRoute() {
	if s.planner == nil {
		return
	}
	ticket, ok := s.engine.NextRequest()
	if !ok {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("router")

		routes, err := s.planner.Plan(s.ctx, ticket.Origin, ticket.Destination)
		s.post(func() { s.applyRoutes(ticket, routes, err) })
	}()
}

func (s *DispatchSession) applyRoutes(t routing.Ticket, routes []routing.Route, err error) {
	if !s.engine.Complete(t, routes, err) {
		logging.Debugw(s.ctx, "Dispatch: discarded stale routes", "session", s.id, "generation", t.Generation)
		return
	}

	if err != nil || len(routes) == 0 {
		// Previously drawn routes stay on the map
		s.message = s.engine.Message()
		if err != nil {
			logging.Warnw(s.ctx, "Dispatch: routing failed", "session", s.id, "error", err)
		}
		return
	}

	s.message = ""
	s.renderer.ShowRoutes(s.engine.Routes())
	if primary, ok := s.engine.Primary(); ok {
		if bounds, ok := geo.BoundsOf(primary.Points); ok {
			s.renderer.FitBounds(bounds)
		}
	}
	s.refreshStatus()
}

func (s *DispatchSession) publish() {
	snap := &Snapshot{
		SessionID: s.id,
		Incidents: s.tracker.Incidents(),
		Routes:    s.engine.Routes(),
		Message:   s.message,
		Routing:   s.engine.InFlight(),
		UpdatedAt: s.now(),
		Status:    IdleStatus,
	}
	if active, ok := s.tracker.Active(); ok {
		snap.Active = &active
		snap.Status = active.StatusLine(s.engine.Summary())
	}
	if pending, ok := s.tracker.Pending(); ok {
		snap.Pending = &pending
	}
	if s.position != nil {
		p := *s.position
		snap.Position = &p
	}
	s.snapshot.Store(snap)
}

// Snapshot returns the latest published state
func (s *DispatchSession) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// RequestSelection hands off a selection from outside the map, such as a
// tapped alert. An incident that has not arrived yet is selected when it does.
func (s *DispatchSession) RequestSelection(ctx context.Context, key incident.Key) error {
	return s.do(ctx, func() error {
		t := s.tracker.Request(key)
		if t.Changed {
			s.selectionChanged(t)
		}
		return nil
	})
}

// SelectIncident makes a present incident the active one
func (s *DispatchSession) SelectIncident(ctx context.Context, key incident.Key) error {
	return s.do(ctx, func() error {
		t, err := s.tracker.Select(key)
		if err != nil {
			return err
		}
		if t.Changed {
			s.selectionChanged(t)
		}
		return nil
	})
}

// TapRoute emphasizes route i and recenters the view on it
func (s *DispatchSession) TapRoute(ctx context.Context, i int) error {
	return s.do(ctx, func() error {
		bounds, err := s.engine.Tap(i)
		if err != nil {
			return err
		}
		s.renderer.ShowRoutes(s.engine.Routes())
		s.renderer.FitBounds(bounds)
		s.refreshStatus()
		return nil
	})
}

// UpdatePosition records the operator's location
func (s *DispatchSession) UpdatePosition(ctx context.Context, p geo.Point) error {
	if !geo.IsValid(p) {
		return fmt.Errorf("invalid position %v", p)
	}
	return s.do(ctx, func() error {
		s.position = &p
		s.engine.SetOrigin(p)
		return nil
	})
}

// MarkCompleted writes "Completed" to the active incident's feed. The
// incident leaves the set when the feed echoes the change; it is not
// removed locally. A failed write is surfaced and the selection is kept.
func (s *DispatchSession) MarkCompleted(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	var (
		target incident.Incident
		writer feed.Writer
	)
	err := s.do(ctx, func() error {
		active, ok := s.tracker.Active()
		if !ok {
			return ErrNoSelection
		}
		w, ok := s.writerFor(active.Key.Source)
		if !ok {
			return ErrNoWriter
		}
		target, writer = active, w
		return nil
	})
	if err != nil {
		return err
	}

	writeErr := writer.MarkCompleted(ctx, target.Key.ID)

	label := fmt.Sprintf("%s #%d", target.Key.Source, target.Sequence)
	if err := s.do(ctx, func() error {
		if writeErr != nil {
			s.message = fmt.Sprintf("Failed to mark %s completed", label)
		} else {
			s.message = ""
		}
		return nil
	}); err != nil {
		logging.Warnw(ctx, "Dispatch: completion status not shown",
			"session", s.id, "key", target.Key.String(), "write_error", writeErr, "error", err)
	}

	if writeErr != nil {
		logging.Errorw(ctx, "Dispatch: failed to mark incident completed",
			"session", s.id, "key", target.Key.String(), "error", writeErr)
		return fmt.Errorf("failed to mark %s completed: %w", target.Key, writeErr)
	}
	logging.Infow(ctx, "Dispatch: marked incident completed", "session", s.id, "key", target.Key.String())
	return nil
}

func (s *DispatchSession) writerFor(source incident.Source) (feed.Writer, bool) {
	for _, b := range s.feeds {
		if b.Source != source {
			continue
		}
		if w, ok := b.Feed.(feed.Writer); ok {
			return w, true
		}
	}
	return nil, false
}

// Close cancels every subscription and stops the loop. Teardown failures
// are collected; one failing subscription does not stop the others.
func (s *DispatchSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		live := s.live
		s.live = nil
		s.started = true
		s.mu.Unlock()

		if !started {
			close(s.stop)
			close(s.done)
			return
		}

		var errs []error
		for _, lf := range live {
			lf.cancel()
			if err := lf.sub.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s feed: %w", lf.source, err))
			}
		}
		s.cancel()
		close(s.stop)
		s.wg.Wait()
		<-s.done

		s.closeErr = errors.Join(errs...)
		logging.Infow(s.logCtx, "Dispatch: session closed", "session", s.id)
	})
	return s.closeErr
}
