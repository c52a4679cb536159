package render

import (
	"fmt"
	"image/color"
	"io"
	"sort"
	"sync"

	"github.com/twpayne/go-kml"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/lib/routing"
)

// Scene is an in-memory Renderer. HTTP handlers read it through Snapshot
// and WriteKML while the session mutates it.
type Scene struct {
	mu       sync.RWMutex
	markers  map[incident.Key]Marker
	lines    []Line
	viewport *geo.Bounds
	status   string
}

// Snapshot is a point-in-time copy of the scene
type Snapshot struct {
	Markers  []Marker    `json:"markers"`
	Lines    []Line      `json:"lines"`
	Viewport *geo.Bounds `json:"viewport,omitempty"`
	Status   string      `json:"status"`
}

// NewScene creates an empty scene
func NewScene() *Scene {
	return &Scene{markers: make(map[incident.Key]Marker)}
}

func (s *Scene) ShowIncident(inc incident.Incident, selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[inc.Key] = Marker{Incident: inc, Selected: selected}
}

func (s *Scene) RemoveIncident(key incident.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, key)
}

// ShowRoutes replaces all drawn routes. Alternates are listed before the
// primary so the primary draws on top.
func (s *Scene) ShowRoutes(routes []routing.Route) {
	lines := make([]Line, 0, len(routes))
	for _, r := range routes {
		lines = append(lines, Line{Route: r, Style: routing.StyleFor(r)})
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Style.ZIndex < lines[j].Style.ZIndex
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = lines
}

func (s *Scene) ClearRoutes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
}

func (s *Scene) FitBounds(b geo.Bounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = &b
}

func (s *Scene) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Snapshot copies the scene, markers ordered by sequence number
func (s *Scene) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Markers: make([]Marker, 0, len(s.markers)),
		Lines:   append([]Line(nil), s.lines...),
		Status:  s.status,
	}
	for _, m := range s.markers {
		snap.Markers = append(snap.Markers, m)
	}
	sort.Slice(snap.Markers, func(i, j int) bool {
		return snap.Markers[i].Incident.Sequence < snap.Markers[j].Incident.Sequence
	})
	if s.viewport != nil {
		v := *s.viewport
		snap.Viewport = &v
	}
	return snap
}

var (
	primaryColor   = color.RGBA{R: 0x1a, G: 0x73, B: 0xe8, A: 0xff}
	alternateColor = color.RGBA{R: 0x80, G: 0x86, B: 0x8b, A: 0xc0}
)

// WriteKML exports the scene as a KML document
func (s *Scene) WriteKML(w io.Writer) error {
	snap := s.Snapshot()

	children := []kml.Element{
		kml.Name(snap.Status),
		kml.SharedStyle("primary", kml.LineStyle(kml.Color(primaryColor), kml.Width(8))),
		kml.SharedStyle("alternate", kml.LineStyle(kml.Color(alternateColor), kml.Width(4))),
	}

	for _, m := range snap.Markers {
		inc := m.Incident
		name := fmt.Sprintf("%s #%d", inc.Key.Source, inc.Sequence)
		if m.Selected {
			name += " (selected)"
		}
		children = append(children, kml.Placemark(
			kml.Name(name),
			kml.Description(description(inc)),
			kml.Point(kml.Coordinates(coordinate(inc.Location))),
		))
	}

	for i, l := range snap.Lines {
		styleURL := "#alternate"
		if l.Route.Primary {
			styleURL = "#primary"
		}
		coords := make([]kml.Coordinate, len(l.Route.Points))
		for j, p := range l.Route.Points {
			coords[j] = coordinate(p)
		}
		children = append(children, kml.Placemark(
			kml.Name(fmt.Sprintf("Route %d: %s", i+1, l.Route.Summary())),
			kml.StyleURL(styleURL),
			kml.LineString(kml.Tessellate(true), kml.Coordinates(coords...)),
		))
	}

	if err := kml.KML(kml.Document(children...)).WriteIndent(w, "", "  "); err != nil {
		return fmt.Errorf("failed to write KML: %w", err)
	}
	return nil
}

func coordinate(p geo.Point) kml.Coordinate {
	return kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
}

func description(inc incident.Incident) string {
	desc := inc.Status
	for _, v := range []string{inc.Address, inc.Details, inc.Reporter} {
		if v != "" {
			desc += " · " + v
		}
	}
	return desc
}
