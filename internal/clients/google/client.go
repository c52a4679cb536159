// Package google provides driving routes from the Google Routes API v2.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/routing"
)

const defaultBaseURL = "https://routes.googleapis.com"

// fieldMask is required; the API rejects requests without one
const fieldMask = "routes.duration,routes.distanceMeters,routes.polyline.encodedPolyline"

// HTTPDoer is the subset of *http.Client the client uses
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides access to Google Routes API v2
type Client struct {
	apiKey     string
	httpClient HTTPDoer
	baseURL    string
	avoidTolls bool
}

// NewClient creates a new Google Routes API client
func NewClient(apiKey string, avoidTolls bool) *Client {
	c := NewClientWithHTTPDoer(apiKey, defaultBaseURL, &http.Client{Timeout: 30 * time.Second})
	c.avoidTolls = avoidTolls
	return c
}

// NewClientWithHTTPDoer creates a client with a custom HTTP client and base URL
func NewClientWithHTTPDoer(apiKey, baseURL string, doer HTTPDoer) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: doer,
	}
}

var (
	_ routing.Provider    = (*Client)(nil)
	_ routing.Constrainer = (*Client)(nil)
)

func (c *Client) Name() string { return "google" }

// SupportsConstraint reports that constrained requests ask for
// traffic-aware routing.
func (c *Client) SupportsConstraint() bool { return true }

// Routes computes the primary route and, when asked, alternatives
func (c *Client) Routes(ctx context.Context, req routing.Request) ([]routing.Route, error) {
	preference := "TRAFFIC_UNAWARE"
	if req.Constrained {
		preference = "TRAFFIC_AWARE"
	}

	body := computeRoutesRequest{
		Origin:                   waypointFor(req.Origin),
		Destination:              waypointFor(req.Destination),
		TravelMode:               "DRIVE",
		RoutingPreference:        preference,
		ComputeAlternativeRoutes: req.Alternatives,
	}
	if c.avoidTolls {
		body.RouteModifiers = &routeModifiers{AvoidTolls: true}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/directions/v2:computeRoutes", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)
	httpReq.Header.Set("X-Goog-FieldMask", fieldMask)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded")
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(msg))
	}

	var response computeRoutesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	routes := make([]routing.Route, 0, len(response.Routes))
	for i, r := range response.Routes {
		route, err := convertRoute(r)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func convertRoute(r googleRoute) (routing.Route, error) {
	duration, err := parseDuration(r.Duration)
	if err != nil {
		return routing.Route{}, fmt.Errorf("failed to parse duration: %w", err)
	}

	points, err := geo.DecodePolyline(r.Polyline.EncodedPolyline)
	if err != nil {
		return routing.Route{}, err
	}

	return routing.Route{
		Points:          points,
		DurationSeconds: duration.Seconds(),
		DistanceMeters:  float64(r.DistanceMeters),
	}, nil
}

// parseDuration parses Google's duration format like "450s"
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	return time.ParseDuration(s)
}

func waypointFor(p geo.Point) waypoint {
	var w waypoint
	w.Location.LatLng.Latitude = p.Latitude
	w.Location.LatLng.Longitude = p.Longitude
	return w
}

type computeRoutesRequest struct {
	Origin                   waypoint        `json:"origin"`
	Destination              waypoint        `json:"destination"`
	TravelMode               string          `json:"travelMode"`
	RoutingPreference        string          `json:"routingPreference"`
	ComputeAlternativeRoutes bool            `json:"computeAlternativeRoutes"`
	RouteModifiers           *routeModifiers `json:"routeModifiers,omitempty"`
}

type waypoint struct {
	Location struct {
		LatLng struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"latLng"`
	} `json:"location"`
}

type routeModifiers struct {
	AvoidTolls bool `json:"avoidTolls"`
}

type computeRoutesResponse struct {
	Routes []googleRoute `json:"routes"`
}

type googleRoute struct {
	Duration       string `json:"duration"`
	DistanceMeters int32  `json:"distanceMeters"`
	Polyline       struct {
		EncodedPolyline string `json:"encodedPolyline"`
	} `json:"polyline"`
}
