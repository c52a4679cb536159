package alerts

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	prefaberrors "github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/resq/server/internal/feed"
)

// Monitor runs the baseline-then-live protocol for a set of gates, each on
// its own subscription, and tears them all down together.
type Monitor struct {
	mu      sync.Mutex
	watches []*watch
	closed  bool
}

type watch struct {
	path   string
	cancel context.CancelFunc
	sub    feed.Subscription
	done   chan struct{}
}

// NewMonitor creates a monitor with no watches
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Watch resolves the gate's baseline from src, then attaches the live
// listener. It returns once the listener is attached; events are handled in
// the background until Close or until the provider ends the stream.
func (m *Monitor) Watch(ctx context.Context, gate *Gate, src feed.Source) error {
	ctx, cancel := context.WithCancel(logging.EnsureLogger(ctx))
	w := &watch{path: src.Path(), cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return errors.New("monitor is closed")
	}
	m.watches = append(m.watches, w)
	m.mu.Unlock()

	gate.LoadBaseline(ctx, src)

	sub, err := src.Subscribe(ctx)
	if err != nil {
		cancel()
		close(w.done)
		return fmt.Errorf("failed to subscribe to %s: %w", src.Path(), err)
	}

	m.mu.Lock()
	w.sub = sub
	m.mu.Unlock()

	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				err, _ := prefaberrors.ParseStack(debug.Stack())
				logging.Errorw(ctx, "Alerts: recovered from panic in listener",
					"path", w.path, "error", r, "error.stack_trace", err.MinimalStack(3, 5))
			}
		}()

		for e := range sub.Events() {
			gate.Consider(ctx, e)
		}
		if err := sub.Err(); err != nil && ctx.Err() == nil {
			logging.Warnw(ctx, "Alerts: live listener cancelled by provider", "path", w.path, "error", err)
		}
	}()
	return nil
}

// Close cancels every watch. A failing teardown does not stop the rest;
// all failures are returned together.
func (m *Monitor) Close() error {
	m.mu.Lock()
	m.closed = true
	watches := m.watches
	m.watches = nil
	subs := make([]feed.Subscription, len(watches))
	for i, w := range watches {
		subs[i] = w.sub
	}
	m.mu.Unlock()

	var errs []error
	for i, w := range watches {
		w.cancel()
		if subs[i] != nil {
			if err := subs[i].Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close listener on %s: %w", w.path, err))
			}
		}
	}
	for _, w := range watches {
		<-w.done
	}
	return errors.Join(errs...)
}
