// Package osrm provides driving routes from an OSRM server.
package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/routing"
)

// HTTPDoer is the subset of *http.Client the client uses
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls /route/v1/driving
type Client struct {
	name       string
	baseURL    string
	avoidTolls bool
	httpClient HTTPDoer
}

var (
	_ routing.Provider    = (*Client)(nil)
	_ routing.Constrainer = (*Client)(nil)
)

// NewClient creates an OSRM client. When avoidTolls is set, constrained
// requests exclude toll roads.
func NewClient(name, baseURL string, avoidTolls bool, timeout time.Duration) *Client {
	return NewClientWithHTTPDoer(name, baseURL, avoidTolls, &http.Client{Timeout: timeout})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP client
func NewClientWithHTTPDoer(name, baseURL string, avoidTolls bool, doer HTTPDoer) *Client {
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		avoidTolls: avoidTolls,
		httpClient: doer,
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) SupportsConstraint() bool { return c.avoidTolls }

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry string  `json:"geometry"`
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

// Routes returns the routes OSRM found. "NoRoute" is an empty result, not
// an error.
func (c *Client) Routes(ctx context.Context, req routing.Request) ([]routing.Route, error) {
	coords := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f",
		req.Origin.Longitude, req.Origin.Latitude,
		req.Destination.Longitude, req.Destination.Latitude)

	q := url.Values{}
	q.Set("alternatives", fmt.Sprint(req.Alternatives))
	q.Set("overview", "full")
	q.Set("geometries", "polyline")
	if req.Constrained && c.avoidTolls {
		q.Set("exclude", "toll")
	}

	endpoint := c.baseURL + "/route/v1/driving/" + coords + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out routeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("osrm HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	switch out.Code {
	case "Ok":
	case "NoRoute", "NoSegment":
		return nil, nil
	default:
		return nil, fmt.Errorf("osrm %s: %s", out.Code, out.Message)
	}

	routes := make([]routing.Route, 0, len(out.Routes))
	for i, r := range out.Routes {
		points, err := geo.DecodePolyline(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		routes = append(routes, routing.Route{
			Points:          points,
			DurationSeconds: r.Duration,
			DistanceMeters:  r.Distance,
		})
	}
	return routes, nil
}
