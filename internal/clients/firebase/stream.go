package firebase

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	prefaberrors "github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/resq/server/internal/feed"
	"github.com/dpup/resq/server/internal/lib/incident"
)

// ErrStreamCancelled is reported when the server ends a stream
var ErrStreamCancelled = errors.New("stream cancelled by server")

// maxEventSize bounds a single server-sent event payload
const maxEventSize = 4 << 20

// Subscribe opens a server-sent event stream on the feed window. The
// stream's first put replays the window as Added events.
func (f *Feed) Subscribe(ctx context.Context) (feed.Subscription, error) {
	ctx, cancel := context.WithCancel(logging.EnsureLogger(ctx))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.client.endpoint(f.path, true), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := f.client.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream on %s: %w", f.path, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("failed to open stream on %s: HTTP %d: %s", f.path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	s := &subscription{
		path:      f.path,
		body:      resp.Body,
		cancel:    cancel,
		events:    make(chan feed.Event, 64),
		records:   make(map[string]incident.Record),
		unblocked: make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

type subscription struct {
	path   string
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan feed.Event
	// unblocked is closed once the body-closing watcher has exited
	unblocked chan struct{}

	// records mirrors the window so puts and patches become typed events
	records map[string]incident.Record

	mu  sync.Mutex
	err error
}

func (s *subscription) Events() <-chan feed.Event { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	return nil
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// message is the data payload of put and patch events
type message struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.events)
	defer s.body.Close()
	// A stream the server ended releases its context without waiting for Close
	defer s.cancel()
	defer func() {
		if r := recover(); r != nil {
			err, _ := prefaberrors.ParseStack(debug.Stack())
			logging.Errorw(ctx, "Firebase: recovered from panic in stream",
				"path", s.path, "error", r, "error.stack_trace", err.MinimalStack(3, 5))
			s.fail(fmt.Errorf("stream panic: %v", r))
		}
	}()

	// Unblock the scanner when the subscription is cancelled
	go func() {
		defer close(s.unblocked)
		<-ctx.Done()
		s.body.Close()
	}()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" {
				if err := s.dispatch(ctx, eventType, data.String()); err != nil {
					s.fail(err)
					return
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		s.fail(fmt.Errorf("stream read failed: %w", err))
		return
	}
	s.fail(fmt.Errorf("%w: connection closed", ErrStreamCancelled))
}

func (s *subscription) dispatch(ctx context.Context, eventType, data string) error {
	switch eventType {
	case "keep-alive":
		return nil
	case "cancel":
		return fmt.Errorf("%w: %s", ErrStreamCancelled, data)
	case "auth_revoked":
		return fmt.Errorf("%w: auth revoked", ErrStreamCancelled)
	case "put", "patch":
	default:
		logging.Debugw(ctx, "Firebase: ignoring stream event", "path", s.path, "event", eventType)
		return nil
	}

	var msg message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		logging.Warnw(ctx, "Firebase: malformed stream event", "path", s.path, "error", err)
		return nil
	}

	value, err := decodeValue(msg.Data)
	if err != nil {
		logging.Warnw(ctx, "Firebase: malformed stream data", "path", s.path, "error", err)
		return nil
	}

	segments := splitPath(msg.Path)
	var events []feed.Event
	if eventType == "put" {
		events = s.put(segments, value)
	} else {
		events = s.patch(segments, value)
	}

	for _, e := range events {
		select {
		case s.events <- e:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// put replaces the value at segments
func (s *subscription) put(segments []string, value any) []feed.Event {
	switch len(segments) {
	case 0:
		next := map[string]incident.Record{}
		if m, ok := value.(map[string]any); ok {
			next = toRecords(m)
		}
		return s.replaceAll(next)
	case 1:
		m, ok := value.(map[string]any)
		if !ok {
			return s.set(segments[0], nil)
		}
		return s.set(segments[0], incident.Record(m))
	default:
		return s.setField(segments[0], segments[1:], value)
	}
}

// patch merges children of value into the node at segments
func (s *subscription) patch(segments []string, value any) []feed.Event {
	children, ok := value.(map[string]any)
	if !ok {
		return nil
	}

	var events []feed.Event
	keys := sortedKeys(children)
	for _, k := range keys {
		child := append(append([]string(nil), segments...), splitPath(k)...)
		events = append(events, s.put(child, children[k])...)
	}
	return events
}

func (s *subscription) replaceAll(next map[string]incident.Record) []feed.Event {
	var events []feed.Event
	for _, id := range sortedKeys(s.records) {
		if _, ok := next[id]; !ok {
			events = append(events, s.set(id, nil)...)
		}
	}
	for _, id := range sortedKeys(next) {
		events = append(events, s.set(id, next[id])...)
	}
	return events
}

// set stores or deletes one record and returns the resulting event
func (s *subscription) set(id string, record incident.Record) []feed.Event {
	previous, existed := s.records[id]
	if record == nil {
		if !existed {
			return nil
		}
		delete(s.records, id)
		return []feed.Event{{Path: s.path, ID: id, Kind: feed.Removed, Record: previous}}
	}

	s.records[id] = record
	kind := feed.Added
	if existed {
		if reflect.DeepEqual(previous, record) {
			return nil
		}
		kind = feed.Changed
	}
	return []feed.Event{{Path: s.path, ID: id, Kind: kind, Record: maps.Clone(record)}}
}

func (s *subscription) setField(id string, fields []string, value any) []feed.Event {
	record := maps.Clone(s.records[id])
	if record == nil {
		record = incident.Record{}
	}

	// Only first-level fields matter for incident records
	if value == nil {
		delete(record, fields[0])
	} else if len(fields) == 1 {
		record[fields[0]] = value
	} else {
		nested, _ := record[fields[0]].(map[string]any)
		nested = setNested(maps.Clone(nested), fields[1:], value)
		record[fields[0]] = nested
	}

	if len(record) == 0 {
		return s.set(id, nil)
	}
	return s.set(id, record)
}

func setNested(m map[string]any, fields []string, value any) map[string]any {
	if m == nil {
		m = map[string]any{}
	}
	if len(fields) == 1 {
		if value == nil {
			delete(m, fields[0])
		} else {
			m[fields[0]] = value
		}
		return m
	}
	child, _ := m[fields[0]].(map[string]any)
	m[fields[0]] = setNested(maps.Clone(child), fields[1:], value)
	return m
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func splitPath(p string) []string {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
