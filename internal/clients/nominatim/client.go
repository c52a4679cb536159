// Package nominatim reverse geocodes points with an OpenStreetMap
// Nominatim server.
package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/geofence"
)

// HTTPDoer is the subset of *http.Client the client uses
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries the /reverse endpoint
type Client struct {
	baseURL        string
	userAgent      string
	acceptLanguage string
	httpClient     HTTPDoer
}

var _ geofence.ReverseGeocoder = (*Client)(nil)

// NewClient creates a Nominatim client. Public instances require an
// identifying User-Agent.
func NewClient(baseURL, userAgent, acceptLanguage string, timeout time.Duration) *Client {
	return NewClientWithHTTPDoer(baseURL, userAgent, acceptLanguage, &http.Client{Timeout: timeout})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP client
func NewClientWithHTTPDoer(baseURL, userAgent, acceptLanguage string, doer HTTPDoer) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		userAgent:      userAgent,
		acceptLanguage: acceptLanguage,
		httpClient:     doer,
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// ReverseGeocode returns the display name for p, or "" when the server
// has no address there.
func (c *Client) ReverseGeocode(ctx context.Context, p geo.Point) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(p.Latitude, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(p.Longitude, 'f', 6, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.acceptLanguage != "" {
		req.Header.Set("Accept-Language", c.acceptLanguage)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reverse geocode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("nominatim HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	// "Unable to geocode" is a normal answer over water or empty land
	if out.Error != "" {
		return "", nil
	}
	return out.DisplayName, nil
}
