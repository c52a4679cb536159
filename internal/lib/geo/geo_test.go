package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	// Manila City Hall to Quezon Memorial Circle
	cityHall := Point{Latitude: 14.5896, Longitude: 120.9812}
	memorial := Point{Latitude: 14.6516, Longitude: 121.0493}

	distance := Distance(cityHall, memorial)
	assert.InDelta(t, 10000, distance, 400, "Distance should be approximately 10km")

	assert.Equal(t, 0.0, Distance(cityHall, cityHall), "Distance from point to itself should be 0")
	assert.InDelta(t, Distance(cityHall, memorial), Distance(memorial, cityHall), 1e-9, "Distance should be symmetric")
}

func TestPointToPoint(t *testing.T) {
	a := Point{Latitude: 14.5896, Longitude: 120.9812}

	_, err := PointToPoint(a, Point{Latitude: 200, Longitude: -300})
	assert.Error(t, err, "Should return error for invalid coordinates")

	distance, err := PointToPoint(a, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, distance)
}

func TestOffset(t *testing.T) {
	origin := Point{Latitude: 14.5896, Longitude: 120.9812}

	for _, bearing := range []float64{0, 45, 90, 180, 270} {
		moved := Offset(origin, bearing, 250)
		assert.InDelta(t, 250, Distance(origin, moved), 0.5, "bearing %v", bearing)
	}

	north := Offset(origin, 0, 1000)
	assert.Greater(t, north.Latitude, origin.Latitude)
	assert.InDelta(t, origin.Longitude, north.Longitude, 1e-9)
}

func TestBoundsOf(t *testing.T) {
	_, ok := BoundsOf(nil)
	assert.False(t, ok, "Empty sequence has no bounds")

	points := []Point{
		{Latitude: 14.60, Longitude: 121.00},
		{Latitude: 14.55, Longitude: 121.05},
		{Latitude: 14.58, Longitude: 120.98},
	}
	b, ok := BoundsOf(points)
	require.True(t, ok)
	assert.Equal(t, Point{Latitude: 14.55, Longitude: 120.98}, b.SouthWest)
	assert.Equal(t, Point{Latitude: 14.60, Longitude: 121.05}, b.NorthEast)

	for _, p := range points {
		assert.True(t, b.Contains(p))
	}
	assert.True(t, b.Contains(b.Center()))
	assert.False(t, b.Contains(Point{Latitude: 15, Longitude: 121}))
}

func TestPolylineRoundTrip(t *testing.T) {
	// Well-known example from the polyline algorithm documentation
	encoded := "_p~iF~ps|U_ulLnnqC_mqNvxq`@"

	points, err := DecodePolyline(encoded)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.InDelta(t, 38.5, points[0].Latitude, 1e-5)
	assert.InDelta(t, -120.2, points[0].Longitude, 1e-5)
	assert.InDelta(t, 43.252, points[2].Latitude, 1e-5)
	assert.InDelta(t, -126.453, points[2].Longitude, 1e-5)

	assert.Equal(t, encoded, EncodePolyline(points))

	_, err = DecodePolyline("")
	assert.Error(t, err, "Should return error for empty polyline")
}

func TestPathLength(t *testing.T) {
	origin := Point{Latitude: 14.5896, Longitude: 120.9812}
	mid := Offset(origin, 90, 500)
	end := Offset(mid, 0, 300)

	assert.InDelta(t, 800, PathLength([]Point{origin, mid, end}), 1)
	assert.Equal(t, 0.0, PathLength([]Point{origin}))
	assert.Equal(t, 0.0, PathLength(nil))
}

func TestNewPoint(t *testing.T) {
	p, err := NewPoint(14.5, 121.0)
	require.NoError(t, err)
	assert.Equal(t, Point{Latitude: 14.5, Longitude: 121.0}, p)

	_, err = NewPoint(91, 0)
	assert.Error(t, err)
	_, err = NewPoint(0, -181)
	assert.Error(t, err)
}
