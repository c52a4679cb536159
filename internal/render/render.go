// Package render holds the live map model the responder UI draws from.
package render

import (
	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/lib/routing"
)

// Renderer is the drawing surface the session drives
type Renderer interface {
	ShowIncident(inc incident.Incident, selected bool)
	RemoveIncident(key incident.Key)
	ShowRoutes(routes []routing.Route)
	ClearRoutes()
	FitBounds(b geo.Bounds)
	SetStatus(status string)
}

// Marker is an incident pin on the map
type Marker struct {
	Incident incident.Incident `json:"incident"`
	Selected bool              `json:"selected"`
}

// Line is a drawn route with its style
type Line struct {
	Route routing.Route `json:"route"`
	Style routing.Style `json:"style"`
}
