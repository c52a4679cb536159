package gmaps

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"github.com/dpup/resq/server/internal/lib/geo"
)

func geocodeServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/maps/api/geocode/json", r.URL.Path)
		assert.Equal(t, "7.0731,125.6128", r.URL.Query().Get("latlng"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReverseGeocode(t *testing.T) {
	srv := geocodeServer(t, `{"status":"OK","results":[{"formatted_address":"San Pedro St, Poblacion District, Davao City"},{"formatted_address":"Davao City"}]}`)

	client, err := NewClient("test-key", "en", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)

	address, err := client.ReverseGeocode(context.Background(), geo.Point{Latitude: 7.0731, Longitude: 125.6128})
	require.NoError(t, err)
	assert.Equal(t, "San Pedro St, Poblacion District, Davao City", address)
}

func TestReverseGeocodeNoResults(t *testing.T) {
	srv := geocodeServer(t, `{"status":"ZERO_RESULTS","results":[]}`)

	client, err := NewClient("test-key", "en", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)

	address, err := client.ReverseGeocode(context.Background(), geo.Point{Latitude: 7.0731, Longitude: 125.6128})
	require.NoError(t, err)
	assert.Empty(t, address)
}

func TestReverseGeocodeDenied(t *testing.T) {
	srv := geocodeServer(t, `{"status":"REQUEST_DENIED","error_message":"bad key","results":[]}`)

	client, err := NewClient("test-key", "en", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = client.ReverseGeocode(context.Background(), geo.Point{Latitude: 7.0731, Longitude: 125.6128})
	assert.Error(t, err)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("", "en")
	assert.Error(t, err)
}
