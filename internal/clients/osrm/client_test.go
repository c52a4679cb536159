package osrm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/routing"
)

type MockHTTPDoer struct {
	mock.Mock
}

func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

var request = routing.Request{
	Origin:       geo.Point{Latitude: 7.0731, Longitude: 125.6128},
	Destination:  geo.Point{Latitude: 7.09, Longitude: 125.62},
	Alternatives: true,
}

func TestRoutes(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		q := req.URL.Query()
		return req.URL.Path == "/route/v1/driving/125.612800,7.073100;125.620000,7.090000" &&
			q.Get("alternatives") == "true" &&
			q.Get("overview") == "full" &&
			q.Get("geometries") == "polyline" &&
			!q.Has("exclude")
	})).Return(createMockResponse(200, `{"code":"Ok","routes":[
		{"geometry":"_p~iF~ps|U_ulLnnqC_mqNvxq`+"`"+`@","duration":420.5,"distance":3400},
		{"geometry":"_p~iF~ps|U_ulLnnqC","duration":500,"distance":4100}
	]}`), nil)

	client := NewClientWithHTTPDoer("osrm", "https://router.example.org/", true, mockHTTP)
	routes, err := client.Routes(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, 420.5, routes[0].DurationSeconds)
	assert.Equal(t, 3400.0, routes[0].DistanceMeters)
	assert.Len(t, routes[0].Points, 3)
	assert.Len(t, routes[1].Points, 2)
	mockHTTP.AssertExpectations(t)
}

func TestRoutesConstrainedExcludesTolls(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.Query().Get("exclude") == "toll"
	})).Return(createMockResponse(200, `{"code":"Ok","routes":[]}`), nil)

	client := NewClientWithHTTPDoer("osrm", "https://router.example.org", true, mockHTTP)
	assert.True(t, client.SupportsConstraint())

	constrained := request
	constrained.Constrained = true
	routes, err := client.Routes(context.Background(), constrained)
	require.NoError(t, err)
	assert.Empty(t, routes)
	mockHTTP.AssertExpectations(t)
}

func TestRoutesWithoutTollSupportIgnoresConstraint(t *testing.T) {
	client := NewClientWithHTTPDoer("osrm", "https://router.example.org", false, nil)
	assert.False(t, client.SupportsConstraint())
	assert.Equal(t, "osrm", client.Name())
}

func TestRoutesNoRoute(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.Anything).Return(createMockResponse(400, `{"code":"NoRoute","message":"Impossible route between points"}`), nil)

	client := NewClientWithHTTPDoer("osrm", "https://router.example.org", false, mockHTTP)
	routes, err := client.Routes(context.Background(), request)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestRoutesErrors(t *testing.T) {
	tests := []struct {
		name     string
		resp     *http.Response
		err      error
		contains string
	}{
		{"invalid query", createMockResponse(400, `{"code":"InvalidQuery","message":"Query string malformed"}`), nil, "osrm InvalidQuery"},
		{"gateway", createMockResponse(502, "Bad Gateway"), nil, "osrm HTTP 502"},
		{"transport", nil, fmt.Errorf("refused"), "failed to execute request"},
		{"bad geometry", createMockResponse(200, `{"code":"Ok","routes":[{"geometry":""}]}`), nil, "route 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockHTTP := &MockHTTPDoer{}
			mockHTTP.On("Do", mock.Anything).Return(tt.resp, tt.err)

			client := NewClientWithHTTPDoer("osrm", "https://router.example.org", false, mockHTTP)
			_, err := client.Routes(context.Background(), request)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}
