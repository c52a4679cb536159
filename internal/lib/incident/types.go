// Package incident maintains the unified set of ongoing incidents built from
// the live report feeds, and the operator's selection within that set.
package incident

import (
	"fmt"
	"strings"

	"github.com/dpup/resq/server/internal/lib/geo"
)

// Source identifies the report category a feed carries
type Source string

const (
	SourceFire  Source = "FIRE"
	SourceOther Source = "OTHER"
	SourceSMS   Source = "SMS"
)

// Sources lists every known report category in display order
var Sources = []Source{SourceFire, SourceOther, SourceSMS}

// ParseSource converts a case-insensitive source name to a Source
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToUpper(strings.TrimSpace(s))) {
	case SourceFire:
		return SourceFire, nil
	case SourceOther:
		return SourceOther, nil
	case SourceSMS:
		return SourceSMS, nil
	}
	return "", fmt.Errorf("unknown incident source %q", s)
}

// Key uniquely identifies an incident across all feeds
type Key struct {
	Source Source `json:"source"`
	ID     string `json:"id"`
}

func (k Key) String() string {
	return string(k.Source) + "/" + k.ID
}

// Incident is a single ongoing emergency report
type Incident struct {
	Key       Key       `json:"key"`
	Location  geo.Point `json:"location"`
	Status    string    `json:"status"`
	Timestamp int64     `json:"timestamp"` // milliseconds since epoch
	Sequence  int       `json:"sequence"`

	Reporter string `json:"reporter,omitempty"`
	Address  string `json:"address,omitempty"`
	Details  string `json:"details,omitempty"`
}

// Ongoing reports whether the incident status still counts as active
func (i Incident) Ongoing() bool {
	return IsOngoing(i.Status)
}

// StatusLine renders the compact display string for the active incident,
// e.g. "FIRE #2 · Ongoing · 7 min · 3.4 km".
func (i Incident) StatusLine(routeSummary string) string {
	line := fmt.Sprintf("%s #%d · %s", i.Key.Source, i.Sequence, i.Status)
	if routeSummary != "" {
		line += " · " + routeSummary
	}
	return line
}

// IsOngoing compares a free-text status to "ongoing", ignoring case, hyphens
// and surrounding whitespace.
func IsOngoing(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return strings.ReplaceAll(s, "-", "") == "ongoing"
}
