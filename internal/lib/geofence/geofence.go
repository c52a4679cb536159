// Package geofence decides whether a report location lies inside the
// station's service area.
package geofence

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/dpup/prefab/logging"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/metrics"
)

// Area is a named circular service area
type Area struct {
	Name         string    `json:"name"`
	Aliases      []string  `json:"aliases,omitempty"`
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
}

// Decision is the binary admit/deny result with the signals behind it
type Decision struct {
	Within         bool    `json:"within"`
	Address        string  `json:"address,omitempty"`
	ByAddress      bool    `json:"by_address"`
	ByDistance     bool    `json:"by_distance"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Decide admits p when the address names the area or p lies within the
// radius. Either signal alone is enough; the radius edge is inside.
func (a Area) Decide(p geo.Point, address string) Decision {
	distance := geo.Distance(p, a.Center)
	d := Decision{
		Address:        address,
		ByAddress:      a.MatchesAddress(address),
		ByDistance:     distance <= a.RadiusMeters,
		DistanceMeters: distance,
	}
	d.Within = d.ByAddress || d.ByDistance
	return d
}

// MatchesAddress reports whether address names the area or one of its
// aliases as whole words, ignoring case, accents and punctuation.
func (a Area) MatchesAddress(address string) bool {
	haystack := tokens(address)
	if len(haystack) == 0 {
		return false
	}
	for _, name := range append([]string{a.Name}, a.Aliases...) {
		if needle := tokens(name); len(needle) > 0 && containsRun(haystack, needle) {
			return true
		}
	}
	return false
}

func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	res, _, _ := transform.String(t, s)
	return res
}

// tokens splits s into lower-case, accent-free words
func tokens(s string) []string {
	s = stripAccents(strings.ToLower(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsRun reports whether needle occurs in haystack as consecutive words
func containsRun(haystack, needle []string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

// ReverseGeocoder resolves a coordinate to a formatted address
type ReverseGeocoder interface {
	ReverseGeocode(ctx context.Context, p geo.Point) (string, error)
}

// Evaluator combines an Area with a reverse geocoder
type Evaluator struct {
	area     Area
	geocoder ReverseGeocoder
	timeout  time.Duration
	metrics  *metrics.Metrics
}

// NewEvaluator creates an evaluator. geocoder may be nil for distance-only
// decisions; timeout bounds each lookup.
func NewEvaluator(area Area, geocoder ReverseGeocoder, timeout time.Duration, m *metrics.Metrics) *Evaluator {
	if m == nil {
		m = metrics.New()
	}
	return &Evaluator{area: area, geocoder: geocoder, timeout: timeout, metrics: m}
}

// Area returns the configured service area
func (e *Evaluator) Area() Area {
	return e.area
}

// Evaluate reverse geocodes p and decides. A failed or slow lookup falls
// back to the distance test alone.
func (e *Evaluator) Evaluate(ctx context.Context, p geo.Point) Decision {
	ctx = logging.EnsureLogger(ctx)
	address := ""
	if e.geocoder != nil {
		lookupCtx := ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}

		var err error
		address, err = e.geocoder.ReverseGeocode(lookupCtx, p)
		if err != nil {
			logging.Warnw(ctx, "Geofence: reverse geocoding failed, using distance only",
				"lat", p.Latitude, "lng", p.Longitude, "error", err)
			address = ""
		}
	}

	d := e.area.Decide(p, address)
	e.metrics.Geofence.WithLabelValues(result(d), signal(d)).Inc()
	return d
}

func result(d Decision) string {
	if d.Within {
		return "admit"
	}
	return "deny"
}

func signal(d Decision) string {
	switch {
	case d.ByAddress && d.ByDistance:
		return "both"
	case d.ByAddress:
		return "address"
	case d.ByDistance:
		return "distance"
	default:
		return "none"
	}
}
