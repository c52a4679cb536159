// Package alerts emits at most one operator alert per incident, across
// listener reattachments and process restarts.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/resq/server/internal/cache"
	"github.com/dpup/resq/server/internal/feed"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/metrics"
	"github.com/dpup/resq/server/internal/notify"
	"github.com/dpup/resq/server/internal/store"
)

// shownNamespace tags dedup entries in the shared cache
const shownNamespace = "alert_shown"

// Result is the outcome of considering one live event
type Result int

const (
	Emitted Result = iota
	SkippedRemoved
	SkippedNotOngoing
	SkippedBaseline
	SkippedShown
)

func (r Result) String() string {
	switch r {
	case Emitted:
		return "emitted"
	case SkippedRemoved:
		return "removed"
	case SkippedNotOngoing:
		return "not_ongoing"
	case SkippedBaseline:
		return "baseline"
	case SkippedShown:
		return "shown"
	default:
		return "unknown"
	}
}

// GateConfig wires a gate to its collaborators
type GateConfig struct {
	// Path is the feed path the gate watches
	Path   string
	Source incident.Source
	// Cache mirrors shown flags for the session; one cache may serve many gates
	Cache    *cache.Cache
	Store    store.BoolStore
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	// Location is the station time zone for date/time record fields
	Location *time.Location
	Now      func() time.Time
}

// Gate decides, per feed path, which live events become alerts
type Gate struct {
	path     string
	source   incident.Source
	cache    *cache.Cache
	store    store.BoolStore
	notifier notify.Notifier
	metrics  *metrics.Metrics
	location *time.Location
	now      func() time.Time

	// mu serializes check-then-mark so one gate never emits a key twice
	mu       sync.Mutex
	baseline int64
}

// NewGate creates a gate with a zero baseline
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		path:     cfg.Path,
		source:   cfg.Source,
		cache:    cfg.Cache,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		location: cfg.Location,
		now:      cfg.Now,
	}
	if g.cache == nil {
		g.cache = cache.NewCache()
	}
	if g.store == nil {
		g.store = store.NewMemory()
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	if g.location == nil {
		g.location = time.Local
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Path returns the feed path this gate watches
func (g *Gate) Path() string {
	return g.path
}

// Baseline returns the timestamp at or below which events are not alerted
func (g *Gate) Baseline() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseline
}

// LoadBaseline performs the one-shot window read and sets the baseline to
// the newest ongoing timestamp in it. A failed read leaves the baseline at 0.
func (g *Gate) LoadBaseline(ctx context.Context, src feed.Source) int64 {
	ctx = logging.EnsureLogger(ctx)
	events, err := src.ReadWindow(ctx)
	if err != nil {
		logging.Warnw(ctx, "Alerts: baseline read failed, alerting on all ongoing incidents",
			"path", g.path, "error", err)
		g.metrics.Baselines.WithLabelValues(g.path, "failed").Inc()
		g.setBaseline(0)
		return 0
	}

	var baseline int64
	for _, e := range events {
		if e.Kind == feed.Removed || !e.Record.Ongoing() {
			continue
		}
		if ts := g.timestamp(e.Record); ts > baseline {
			baseline = ts
		}
	}

	logging.Infow(ctx, "Alerts: baseline established",
		"path", g.path, "baseline", baseline, "window", len(events))
	g.metrics.Baselines.WithLabelValues(g.path, "loaded").Inc()
	g.setBaseline(baseline)
	return baseline
}

func (g *Gate) setBaseline(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseline = v
}

// Consider handles one live event, emitting an alert if it is a newly
// ongoing incident that has never been shown.
func (g *Gate) Consider(ctx context.Context, e feed.Event) Result {
	ctx = logging.EnsureLogger(ctx)
	result := g.consider(ctx, e)
	if result == Emitted {
		g.metrics.AlertsEmitted.WithLabelValues(g.path).Inc()
	} else {
		g.metrics.AlertsSuppressed.WithLabelValues(g.path, result.String()).Inc()
	}
	return result
}

func (g *Gate) consider(ctx context.Context, e feed.Event) Result {
	if e.Kind == feed.Removed {
		return SkippedRemoved
	}
	if !e.Record.Ongoing() {
		return SkippedNotOngoing
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.timestamp(e.Record)
	if ts <= g.baseline {
		return SkippedBaseline
	}

	key := DedupKey(g.path, e.ID)
	if g.cache.Has(key) {
		return SkippedShown
	}

	shown, err := g.store.GetBool(ctx, key)
	if err != nil {
		logging.Warnw(ctx, "Alerts: dedup store read failed, relying on session cache",
			"key", key, "error", err)
	}
	if shown {
		g.markCached(ctx, key)
		return SkippedShown
	}

	alert := g.buildAlert(e, key)
	if err := g.notifier.Notify(ctx, alert); err != nil {
		logging.Errorw(ctx, "Alerts: delivery failed", "key", key, "error", err)
	}

	g.markCached(ctx, key)
	if err := g.store.SetBool(ctx, key, true); err != nil {
		logging.Errorw(ctx, "Alerts: failed to persist shown flag", "key", key, "error", err)
	}
	return Emitted
}

func (g *Gate) markCached(ctx context.Context, key string) {
	if err := g.cache.Set(key, true, 0, shownNamespace); err != nil {
		logging.Errorw(ctx, "Alerts: failed to cache shown flag", "key", key, "error", err)
	}
}

func (g *Gate) timestamp(r incident.Record) int64 {
	if ts, ok := r.Timestamp(g.location); ok {
		return ts
	}
	return g.now().UnixMilli()
}

func (g *Gate) buildAlert(e feed.Event, key string) notify.Alert {
	alert := notify.Alert{
		ID:         NotificationID(key),
		DedupKey:   key,
		Source:     string(g.source),
		IncidentID: e.ID,
		Title:      fmt.Sprintf("New %s report", strings.ToLower(string(g.source))),
		CreatedAt:  g.now(),
	}
	if loc, ok := e.Record.Location(); ok {
		alert.Location = loc
	}

	var parts []string
	for _, field := range []string{"address", "details", "reporter"} {
		if v := e.Record.String(field); v != "" {
			parts = append(parts, v)
		}
	}
	alert.Body = strings.Join(parts, " · ")
	if alert.Body == "" {
		alert.Body = fmt.Sprintf("Incident %s is ongoing", e.ID)
	}
	return alert
}
