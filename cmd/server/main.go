package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/resq/server/internal/cache"
	"github.com/dpup/resq/server/internal/clients/firebase"
	"github.com/dpup/resq/server/internal/clients/gmaps"
	"github.com/dpup/resq/server/internal/clients/google"
	"github.com/dpup/resq/server/internal/clients/nominatim"
	"github.com/dpup/resq/server/internal/clients/osrm"
	"github.com/dpup/resq/server/internal/clients/replay"
	"github.com/dpup/resq/server/internal/config"
	"github.com/dpup/resq/server/internal/feed"
	"github.com/dpup/resq/server/internal/lib/alerts"
	"github.com/dpup/resq/server/internal/lib/geofence"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/lib/routing"
	"github.com/dpup/resq/server/internal/metrics"
	"github.com/dpup/resq/server/internal/notify"
	"github.com/dpup/resq/server/internal/render"
	"github.com/dpup/resq/server/internal/services"
	"github.com/dpup/resq/server/internal/store"
)

func main() {
	// Load configuration using Prefab's config system
	appConfig := loadConfig()

	ctx, cancel := context.WithCancel(logging.EnsureLogger(context.Background()))
	defer cancel()

	loc, err := appConfig.Station.Location()
	if err != nil {
		log.Fatalf("Invalid station time zone: %v", err)
	}

	m := metrics.New()
	health := services.NewHealth()

	// One cache serves the alert gates and the geocoder
	cacheInstance := cache.NewCache()
	cacheInstance.StartPeriodicCleanup(ctx, 5*time.Minute)

	flags, closeStore := openStore(ctx, appConfig.Store)
	defer closeStore()

	feeds, startFeeds := buildFeeds(ctx, appConfig)

	// Alerts: tray for the UI, ntfy for phones when configured
	tray := notify.NewTray()
	var notifier notify.Notifier = tray
	if appConfig.Notify.NtfyURL != "" && appConfig.Notify.NtfyTopic != "" {
		notifier = notify.Multi{tray, notify.NewNtfy(appConfig.Notify.NtfyURL, appConfig.Notify.NtfyTopic, appConfig.Notify.ClickURL)}
		log.Printf("Forwarding alerts to ntfy topic %s", appConfig.Notify.NtfyTopic)
	}

	monitor := alerts.NewMonitor()
	defer func() {
		if err := monitor.Close(); err != nil {
			log.Printf("Failed to stop alert listeners: %v", err)
		}
	}()

	bindings := make([]services.FeedBinding, 0, len(feeds))
	for _, source := range incident.Sources {
		f, ok := feeds[source]
		if !ok {
			continue
		}
		bindings = append(bindings, services.FeedBinding{Source: source, Feed: f})

		gate := alerts.NewGate(alerts.GateConfig{
			Path:     f.Path(),
			Source:   source,
			Cache:    cacheInstance,
			Store:    flags,
			Notifier: notifier,
			Metrics:  m,
			Location: loc,
		})
		if err := monitor.Watch(ctx, gate, f); err != nil {
			log.Printf("Alerts disabled for %s: %v", f.Path(), err)
		}
	}
	health.SetServing(services.HealthAlerts, true)

	evaluator := geofence.NewEvaluator(geofence.Area{
		Name:         appConfig.Geofence.AreaName,
		Aliases:      appConfig.Geofence.Aliases,
		Center:       appConfig.Geofence.Center.Point(),
		RadiusMeters: appConfig.Geofence.RadiusMeters,
	}, buildGeocoder(appConfig.Geofence, cacheInstance), appConfig.Geofence.Timeout, m)

	scene := render.NewScene()
	session := services.NewDispatchSession(services.SessionConfig{
		Feeds:              bindings,
		Location:           loc,
		Planner:            routing.NewPlanner(buildProviders(appConfig.Routing), appConfig.Routing.Timeout, m),
		Renderer:           scene,
		Metrics:            m,
		RouteThreshold:     appConfig.Routing.ThresholdMeters,
		RouteRetryInterval: appConfig.Routing.RetryInterval,
	})
	if err := session.Start(ctx); err != nil {
		log.Fatalf("Failed to start dispatch session: %v", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Printf("Failed to close dispatch session: %v", err)
		}
	}()
	health.SetServing(services.HealthDispatch, true)
	startFeeds()

	log.Printf("Responder server starting for station %s (session %s)", appConfig.Station.ID, session.ID())
	log.Printf("Feeds attached: %d, service area: %s (%.0f m)", len(bindings), appConfig.Geofence.AreaName, appConfig.Geofence.RadiusMeters)

	api := services.NewAPI(session, scene, tray, evaluator)
	metricsHandler := http.NotFound
	if appConfig.Metrics.Enabled {
		metricsHandler = m.Handler().ServeHTTP
	}

	// Server configuration (port, etc.) will be loaded from prefab.yaml/env vars
	server := prefab.New(
		prefab.WithHTTPHandlerFunc("/api/", api.ServeHTTP),
		prefab.WithHTTPHandlerFunc("/healthz", health.ServeHTTP),
		prefab.WithHTTPHandlerFunc(appConfig.Metrics.Path, metricsHandler),
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
	)

	// Start the server (blocks until shutdown)
	if err := server.Start(); err != nil {
		log.Printf("Server failed: %v", err)
	}
	health.Shutdown()
}

// loadConfig loads configuration using Prefab's config system.
// Configuration is loaded from prefab.yaml and environment variables with PF__ prefix
func loadConfig() *config.Config {
	appConfig := config.DefaultConfig()

	if err := prefab.Config.Unmarshal("resq", appConfig); err != nil {
		log.Fatalf("Failed to unmarshal resq section: %v", err)
	}
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return appConfig
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.BoolStore, func()) {
	switch cfg.Kind {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			log.Fatalf("Failed to open dedup store: %v", err)
		}
		log.Printf("Dedup flags stored in Postgres")
		return pg, func() { _ = pg.Close() }
	case "file":
		f, err := store.OpenFile(cfg.Path)
		if err != nil {
			log.Fatalf("Failed to open dedup store: %v", err)
		}
		log.Printf("Dedup flags stored in %s", cfg.Path)
		return f, func() {}
	default:
		log.Printf("Dedup flags kept in memory; alerts may repeat after restart")
		return store.NewMemory(), func() {}
	}
}

// buildFeeds returns one feed per configured source. The returned start
// function begins any scripted replay once listeners are attached.
func buildFeeds(ctx context.Context, cfg *config.Config) (map[incident.Source]feed.Feed, func()) {
	paths := make(map[string]string, len(cfg.Feeds.Paths))
	for _, source := range incident.Sources {
		if p := cfg.FeedPath(string(source)); p != "" {
			paths[string(source)] = p
		}
	}

	feeds := make(map[incident.Source]feed.Feed, len(paths))
	switch cfg.Feeds.Kind {
	case "replay":
		script, err := replay.LoadFile(cfg.Feeds.ReplayFile)
		if err != nil {
			log.Fatalf("Failed to load replay script: %v", err)
		}
		player := replay.NewPlayer(script, paths, cfg.Feeds.WindowSize)
		for source := range paths {
			feeds[incident.Source(source)] = player.Feed(source)
		}
		log.Printf("Replaying %d scripted feed steps from %s", len(script.Steps), cfg.Feeds.ReplayFile)
		return feeds, func() {
			go func() {
				if err := player.Run(ctx); err != nil {
					log.Printf("Replay stopped: %v", err)
				}
			}()
		}
	default:
		client := firebase.NewClient(cfg.Feeds.BaseURL, cfg.Feeds.AuthToken, cfg.Feeds.WindowSize)
		for source, path := range paths {
			feeds[incident.Source(source)] = client.Feed(path)
		}
		return feeds, func() {}
	}
}

func buildGeocoder(cfg config.GeofenceConfig, c *cache.Cache) geofence.ReverseGeocoder {
	var chain geofence.Chain
	if cfg.NominatimURL != "" {
		chain = append(chain, nominatim.NewClient(cfg.NominatimURL, cfg.UserAgent, cfg.AcceptLanguage, cfg.Timeout))
	}
	if cfg.GoogleAPIKey != "" {
		g, err := gmaps.NewClient(cfg.GoogleAPIKey, cfg.AcceptLanguage)
		if err != nil {
			log.Printf("Google reverse geocoding disabled: %v", err)
		} else {
			chain = append(chain, g)
		}
	}
	if len(chain) == 0 {
		log.Printf("No reverse geocoder configured; geofence uses distance only")
		return nil
	}
	return geofence.NewCached(chain, c, cfg.CacheTTL)
}

func buildProviders(cfg config.RoutingConfig) []routing.Provider {
	var providers []routing.Provider
	if cfg.OSRMURL != "" {
		providers = append(providers, osrm.NewClient("osrm", cfg.OSRMURL, cfg.AvoidTolls, cfg.Timeout))
	}
	if cfg.GoogleAPIKey != "" {
		providers = append(providers, google.NewClient(cfg.GoogleAPIKey, cfg.AvoidTolls))
	}
	if cfg.OSRMFallbackURL != "" {
		providers = append(providers, osrm.NewClient("osrm-fallback", cfg.OSRMFallbackURL, cfg.AvoidTolls, cfg.Timeout))
	}
	return providers
}

// homepageHandler serves a plain index of the responder API at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	// Only handle the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	index := `resq responder server

GET    /api/snapshot                        incidents, selection, routes, status
GET    /api/map.kml                         live map as KML
POST   /api/select                          {"source","id"} alert hand-off
POST   /api/incidents/{source}/{id}/select  operator selection
POST   /api/routes/{index}/tap              emphasize an alternate route
POST   /api/position                        {"lat","lng"} operator position
POST   /api/complete                        mark the active incident completed
GET    /api/notifications                   alert tray
DELETE /api/notifications/{id}              dismiss an alert
POST   /api/geofence/check                  {"lat","lng"} service area check
GET    /healthz                             readiness
`

	if _, err := fmt.Fprint(w, index); err != nil {
		slog.Error("Failed to write homepage", "error", err)
	}
}
