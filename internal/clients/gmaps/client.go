// Package gmaps reverse geocodes points with the Google Maps Geocoding API.
package gmaps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/geofence"
)

// Client wraps a maps.Client
type Client struct {
	maps     *maps.Client
	language string
}

var _ geofence.ReverseGeocoder = (*Client)(nil)

// NewClient creates a geocoder. Extra options are passed through to
// maps.NewClient, e.g. maps.WithBaseURL in tests.
func NewClient(apiKey, language string, opts ...maps.ClientOption) (*Client, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating Google Maps client: %w", err)
	}
	return &Client{maps: client, language: language}, nil
}

// ReverseGeocode returns the formatted address of the best match, or "".
func (c *Client) ReverseGeocode(ctx context.Context, p geo.Point) (string, error) {
	resp, err := c.maps.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Latitude, Lng: p.Longitude},
		Language: c.language,
	})
	if err != nil {
		return "", fmt.Errorf("error requesting reverse geocode from google: %w", err)
	}
	if len(resp) == 0 {
		return "", nil
	}
	return resp[0].FormattedAddress, nil
}
