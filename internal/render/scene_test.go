package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/lib/routing"
)

func sampleIncident(id string, seq int) incident.Incident {
	return incident.Incident{
		Key:      incident.Key{Source: incident.SourceFire, ID: id},
		Location: geo.Point{Latitude: 7.45, Longitude: 125.80},
		Status:   "Ongoing",
		Sequence: seq,
		Address:  "Rizal St.",
	}
}

func TestScene_Markers(t *testing.T) {
	s := NewScene()
	s.ShowIncident(sampleIncident("b", 2), false)
	s.ShowIncident(sampleIncident("a", 1), true)
	s.ShowIncident(sampleIncident("a", 1), false)

	snap := s.Snapshot()
	require.Len(t, snap.Markers, 2)
	assert.Equal(t, "a", snap.Markers[0].Incident.Key.ID)
	assert.False(t, snap.Markers[0].Selected, "Re-showing replaces the marker")

	s.RemoveIncident(incident.Key{Source: incident.SourceFire, ID: "a"})
	assert.Len(t, s.Snapshot().Markers, 1)
}

func TestScene_RoutesDrawPrimaryLast(t *testing.T) {
	s := NewScene()
	s.ShowRoutes([]routing.Route{
		{DistanceMeters: 3000, Primary: true},
		{DistanceMeters: 4000},
	})

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 2)
	assert.False(t, snap.Lines[0].Route.Primary)
	assert.Equal(t, routing.Style{Width: 4, Dashed: true, ZIndex: 1}, snap.Lines[0].Style)
	assert.Equal(t, routing.Style{Width: 8, Dashed: false, ZIndex: 2}, snap.Lines[1].Style)

	s.ClearRoutes()
	assert.Empty(t, s.Snapshot().Lines)
}

func TestScene_StatusAndViewport(t *testing.T) {
	s := NewScene()
	assert.Nil(t, s.Snapshot().Viewport)

	b := geo.Bounds{SouthWest: geo.Point{Latitude: 7, Longitude: 125}, NorthEast: geo.Point{Latitude: 8, Longitude: 126}}
	s.FitBounds(b)
	s.SetStatus("FIRE #1 · Ongoing")

	snap := s.Snapshot()
	require.NotNil(t, snap.Viewport)
	assert.Equal(t, b, *snap.Viewport)
	assert.Equal(t, "FIRE #1 · Ongoing", snap.Status)
}

func TestScene_WriteKML(t *testing.T) {
	s := NewScene()
	s.SetStatus("FIRE #1 · Ongoing · 7 min · 3.4 km")
	s.ShowIncident(sampleIncident("a", 1), true)
	s.ShowRoutes([]routing.Route{{
		Points:          []geo.Point{{Latitude: 7.07, Longitude: 125.61}, {Latitude: 7.45, Longitude: 125.80}},
		DurationSeconds: 420,
		DistanceMeters:  3400,
		Primary:         true,
	}})

	var buf bytes.Buffer
	require.NoError(t, s.WriteKML(&buf))

	out := buf.String()
	assert.Contains(t, out, "<kml")
	assert.Contains(t, out, "FIRE #1 (selected)")
	assert.Contains(t, out, "Ongoing · Rizal St.")
	assert.Contains(t, out, "<styleUrl>#primary</styleUrl>")
	assert.Contains(t, out, "<coordinates>")
	assert.Contains(t, out, "Route 1: 7 min · 3.4 km")
}
