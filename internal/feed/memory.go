package feed

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/dpup/resq/server/internal/lib/incident"
)

// Memory is an in-process feed holding a bounded window of records.
// Published changes fan out to every live subscription.
type Memory struct {
	path   string
	window int

	mu          sync.Mutex
	records     map[string]incident.Record
	subs        map[*memorySubscription]struct{}
	failReads   error
	failWrites  error
	completions []string
}

// NewMemory creates an empty feed at path. window <= 0 means unbounded.
func NewMemory(path string, window int) *Memory {
	return &Memory{
		path:    path,
		window:  window,
		records: make(map[string]incident.Record),
		subs:    make(map[*memorySubscription]struct{}),
	}
}

func (m *Memory) Path() string { return m.path }

// FailReads makes ReadWindow return err until called again with nil
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = err
}

// FailWrites makes MarkCompleted return err until called again with nil
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// Put stores record under id and notifies subscribers
func (m *Memory) Put(id string, record incident.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := Changed
	if _, ok := m.records[id]; !ok {
		kind = Added
	}
	m.records[id] = maps.Clone(record)
	m.broadcast(Event{Path: m.path, ID: id, Kind: kind, Record: maps.Clone(record)})
}

// Delete removes the record under id and notifies subscribers
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return
	}
	delete(m.records, id)
	m.broadcast(Event{Path: m.path, ID: id, Kind: Removed, Record: record})
}

// ReadWindow returns the last window records in key order as Added events
func (m *Memory) ReadWindow(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failReads != nil {
		return nil, fmt.Errorf("%w: %w", ErrWindowUnavailable, m.failReads)
	}
	return m.windowLocked(), nil
}

// Subscribe replays the current window as Added events, then streams changes
func (m *Memory) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	initial := m.windowLocked()
	sub := newMemorySubscription(m, len(initial))
	for _, e := range initial {
		sub.events <- e
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.end(ctx.Err())
		case <-sub.done:
		}
	}()
	return sub, nil
}

// MarkCompleted sets the record status to Completed. The change reaches
// subscribers as an ordinary Changed event.
func (m *Memory) MarkCompleted(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.failWrites != nil {
		err := m.failWrites
		m.mu.Unlock()
		return fmt.Errorf("failed to mark %s/%s completed: %w", m.path, id, err)
	}
	record, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("failed to mark %s/%s completed: record not found", m.path, id)
	}

	updated := maps.Clone(record)
	updated["status"] = "Completed"
	m.Put(id, updated)

	m.mu.Lock()
	m.completions = append(m.completions, id)
	m.mu.Unlock()
	return nil
}

// Completions lists ids marked completed, in call order
func (m *Memory) Completions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.completions...)
}

// CancelSubscriptions ends every live subscription with err, the way a
// provider revoking access would.
func (m *Memory) CancelSubscriptions(err error) {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.end(err)
	}
}

// Subscribers returns the number of attached subscriptions
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) windowLocked() []Event {
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if m.window > 0 && len(ids) > m.window {
		ids = ids[len(ids)-m.window:]
	}

	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, Event{Path: m.path, ID: id, Kind: Added, Record: maps.Clone(m.records[id])})
	}
	return events
}

func (m *Memory) broadcast(e Event) {
	for sub := range m.subs {
		sub.push(e)
	}
}

func (m *Memory) detach(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub)
}

// memorySubscription buffers events in an unbounded queue so Put never blocks
type memorySubscription struct {
	feed   *Memory
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	closed  bool
	err     error
	endOnce sync.Once
}

func newMemorySubscription(feed *Memory, initial int) *memorySubscription {
	s := &memorySubscription{
		feed:   feed,
		events: make(chan Event, initial+16),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.end(nil)
	return nil
}

func (s *memorySubscription) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.mu.Unlock()
		s.feed.detach(s)
		close(s.done)
	})
}

func (s *memorySubscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.events <- e:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
