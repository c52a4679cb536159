// Package routing computes and tracks driving routes from the operator to
// the active incident.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dpup/resq/server/internal/lib/geo"
)

// ErrNoRoute is returned when no provider produced a usable route
var ErrNoRoute = errors.New("no route found")

// Route is one driving path between the operator and the incident
type Route struct {
	Points          []geo.Point `json:"points"`
	DurationSeconds float64     `json:"duration_seconds"`
	DistanceMeters  float64     `json:"distance_meters"`
	Primary         bool        `json:"primary"`
	Provider        string      `json:"provider"`
}

// Summary formats the route as "<minutes> min · <km> km"
func (r Route) Summary() string {
	minutes := int(math.Round(r.DurationSeconds / 60))
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%d min · %.1f km", minutes, r.DistanceMeters/1000)
}

// Request asks a provider for routes between two points
type Request struct {
	Origin       geo.Point
	Destination  geo.Point
	Alternatives bool
	// Constrained applies the provider's optional routing constraint, such
	// as avoiding tolls or preferring traffic-aware paths
	Constrained bool
}

// Provider is an external routing service
type Provider interface {
	Name() string
	Routes(ctx context.Context, req Request) ([]Route, error)
}

// Constrainer is implemented by providers that accept an optional
// constraint which may be dropped when it yields no result.
type Constrainer interface {
	SupportsConstraint() bool
}

// Style is how a route is drawn
type Style struct {
	Width  int  `json:"width"`
	Dashed bool `json:"dashed"`
	ZIndex int  `json:"z_index"`
}

var (
	primaryStyle   = Style{Width: 8, Dashed: false, ZIndex: 2}
	alternateStyle = Style{Width: 4, Dashed: true, ZIndex: 1}
)

// StyleFor returns the drawing style for a route
func StyleFor(r Route) Style {
	if r.Primary {
		return primaryStyle
	}
	return alternateStyle
}
