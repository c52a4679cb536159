package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/dpup/resq/server/internal/lib/geo"
)

// Config represents the complete server configuration.
// Loaded from the "resq" key of prefab.yaml, overridable with PF__RESQ__* env vars.
type Config struct {
	Station  StationConfig  `koanf:"station"`
	Feeds    FeedsConfig    `koanf:"feeds"`
	Geofence GeofenceConfig `koanf:"geofence"`
	Routing  RoutingConfig  `koanf:"routing"`
	Notify   NotifyConfig   `koanf:"notify"`
	Store    StoreConfig    `koanf:"store"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// StationConfig identifies the responding station this process serves
type StationConfig struct {
	ID       string `koanf:"id"`
	Name     string `koanf:"name"`
	TimeZone string `koanf:"time_zone"`
}

// FeedsConfig holds live incident feed settings
type FeedsConfig struct {
	// Kind selects the feed adapter: "firebase" or "replay"
	Kind       string `koanf:"kind"`
	BaseURL    string `koanf:"base_url"`
	AuthToken  string `koanf:"auth_token"`
	WindowSize int    `koanf:"window_size"`
	// Paths maps a report source (FIRE, OTHER, SMS) to its feed path.
	// Paths may contain {station}, replaced with the station id.
	Paths      map[string]string `koanf:"paths"`
	ReplayFile string            `koanf:"replay_file"`
}

// GeofenceConfig describes the admissible service area
type GeofenceConfig struct {
	AreaName       string        `koanf:"area_name"`
	Aliases        []string      `koanf:"aliases"`
	Center         Coordinates   `koanf:"center"`
	RadiusMeters   float64       `koanf:"radius_meters"`
	NominatimURL   string        `koanf:"nominatim_url"`
	UserAgent      string        `koanf:"user_agent"`
	AcceptLanguage string        `koanf:"accept_language"`
	GoogleAPIKey   string        `koanf:"google_api_key"`
	Timeout        time.Duration `koanf:"timeout"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
}

// RoutingConfig holds route computation settings
type RoutingConfig struct {
	ThresholdMeters float64       `koanf:"threshold_meters"`
	RetryInterval   time.Duration `koanf:"retry_interval"`
	Timeout         time.Duration `koanf:"timeout"`
	OSRMURL         string        `koanf:"osrm_url"`
	OSRMFallbackURL string        `koanf:"osrm_fallback_url"`
	AvoidTolls      bool          `koanf:"avoid_tolls"`
	GoogleAPIKey    string        `koanf:"google_api_key"`
}

// NotifyConfig holds alert delivery settings
type NotifyConfig struct {
	NtfyURL   string `koanf:"ntfy_url"`
	NtfyTopic string `koanf:"ntfy_topic"`
	ClickURL  string `koanf:"click_url"`
}

// StoreConfig selects the durable dedup store
type StoreConfig struct {
	// Kind is one of "memory", "file" or "postgres"
	Kind string `koanf:"kind"`
	Path string `koanf:"path"`
	DSN  string `koanf:"dsn"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// Coordinates represents lat/lon coordinates in YAML config
type Coordinates struct {
	Latitude  float64 `koanf:"latitude"`
	Longitude float64 `koanf:"longitude"`
}

// Point converts Coordinates to a geo.Point
func (c Coordinates) Point() geo.Point {
	return geo.Point{Latitude: c.Latitude, Longitude: c.Longitude}
}

// FeedPath returns the feed path for a report source with the station
// placeholder filled in, or "" when the source has no feed.
func (c *Config) FeedPath(source string) string {
	p, ok := c.Feeds.Paths[source]
	if !ok {
		return ""
	}
	return strings.ReplaceAll(p, "{station}", c.Station.ID)
}

// Location resolves the configured station time zone
func (s StationConfig) Location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %w", s.TimeZone, err)
	}
	return loc, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Station.ID == "" {
		errs = append(errs, errors.New("station.id is required"))
	}
	if _, err := c.Station.Location(); err != nil {
		errs = append(errs, err)
	}

	switch c.Feeds.Kind {
	case "firebase":
		if c.Feeds.BaseURL == "" {
			errs = append(errs, errors.New("feeds.base_url is required for firebase feeds"))
		}
	case "replay":
		if c.Feeds.ReplayFile == "" {
			errs = append(errs, errors.New("feeds.replay_file is required for replay feeds"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown feeds.kind %q", c.Feeds.Kind))
	}
	if c.Feeds.WindowSize <= 0 {
		errs = append(errs, errors.New("feeds.window_size must be positive"))
	}
	if len(c.Feeds.Paths) == 0 {
		errs = append(errs, errors.New("feeds.paths must name at least one feed"))
	}

	if !geo.IsValid(c.Geofence.Center.Point()) {
		errs = append(errs, errors.New("geofence.center is not a valid coordinate"))
	}
	if c.Geofence.RadiusMeters <= 0 {
		errs = append(errs, errors.New("geofence.radius_meters must be positive"))
	}

	if c.Routing.ThresholdMeters <= 0 {
		errs = append(errs, errors.New("routing.threshold_meters must be positive"))
	}
	if c.Routing.OSRMURL == "" && c.Routing.GoogleAPIKey == "" {
		errs = append(errs, errors.New("routing needs osrm_url or google_api_key"))
	}

	switch c.Store.Kind {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for file store"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.kind %q", c.Store.Kind))
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, errors.New("metrics.path must start with /"))
	}

	return errors.Join(errs...)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Station: StationConfig{
			ID:       "station-1",
			Name:     "Central Fire Station",
			TimeZone: "Asia/Manila",
		},
		Feeds: FeedsConfig{
			Kind:       "firebase",
			WindowSize: 200,
			Paths: map[string]string{
				"FIRE":  "reports/fire/{station}",
				"OTHER": "reports/other/{station}",
				"SMS":   "reports/sms/{station}",
			},
		},
		Geofence: GeofenceConfig{
			AreaName:       "Davao City",
			Center:         Coordinates{Latitude: 7.0731, Longitude: 125.6128},
			RadiusMeters:   25000,
			NominatimURL:   "https://nominatim.openstreetmap.org",
			UserAgent:      "resq-responder/1.0",
			AcceptLanguage: "en",
			Timeout:        10 * time.Second,
			CacheTTL:       30 * time.Minute,
		},
		Routing: RoutingConfig{
			ThresholdMeters: 25,
			RetryInterval:   30 * time.Second,
			Timeout:         15 * time.Second,
			OSRMURL:         "https://router.project-osrm.org",
		},
		Store: StoreConfig{
			Kind: "file",
			Path: "resq-dedup.json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
