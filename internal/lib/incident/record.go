package incident

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/resq/server/internal/lib/geo"
)

// Record is the raw JSON-like document a feed delivers for one report
type Record map[string]any

// maxSecondsValue is the largest timestamp treated as seconds rather than milliseconds
const maxSecondsValue = 9_999_999_999

// maxEpochMillis is 9999-12-31T23:59:59.999Z; larger values are not timestamps
const maxEpochMillis = 253_402_300_799_999

// dateTimeLayout is the format of the separate date and time fields
const dateTimeLayout = "2006-01-02 15:04:05"

var (
	latitudeFields  = []string{"latitude", "lat"}
	longitudeFields = []string{"longitude", "lon"}
	timestampFields = []string{"timestamp", "timeStamp"}
)

// Status returns the raw status text of the record
func (r Record) Status() string {
	s, _ := r["status"].(string)
	return s
}

// Ongoing reports whether the record's status counts as active
func (r Record) Ongoing() bool {
	return IsOngoing(r.Status())
}

// String returns a text field, or "" when absent or not a string
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

// Location extracts coordinates using the first present spelling per axis.
// Values may be numeric or numeric strings.
func (r Record) Location() (geo.Point, bool) {
	lat, ok := r.firstNumber(latitudeFields)
	if !ok {
		return geo.Point{}, false
	}
	lon, ok := r.firstNumber(longitudeFields)
	if !ok {
		return geo.Point{}, false
	}

	p := geo.Point{Latitude: lat, Longitude: lon}
	if !geo.IsValid(p) {
		return geo.Point{}, false
	}
	return p, true
}

// Timestamp resolves the report time in milliseconds since epoch.
// The chain is acceptedAt, then timestamp/timeStamp, then a numeric time
// field, then separate date and time strings in loc. ok is false when none
// of those are usable and the caller must fall back to receipt time.
func (r Record) Timestamp(loc *time.Location) (ms int64, ok bool) {
	if v, ok := r.millis("acceptedAt"); ok {
		return v, true
	}
	for _, field := range timestampFields {
		if v, ok := r.millis(field); ok {
			return v, true
		}
	}
	// A string "time" is a clock reading paired with "date", never an epoch
	if _, isString := r["time"].(string); !isString {
		if v, ok := toFloat(r["time"]); ok {
			if ms, ok := epochMillis(v); ok {
				return ms, true
			}
		}
	}

	date, clock := r.String("date"), r.String("time")
	if date != "" && clock != "" {
		if loc == nil {
			loc = time.Local
		}
		if len(clock) == len("15:04") {
			clock += ":00"
		}
		if t, err := time.ParseInLocation(dateTimeLayout, date+" "+clock, loc); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// epochMillis converts an epoch value in seconds or milliseconds to
// milliseconds. Negative and out-of-range values are rejected.
func epochMillis(v float64) (int64, bool) {
	if v < 0 {
		return 0, false
	}
	if v <= maxSecondsValue {
		v *= 1000
	}
	if v > maxEpochMillis {
		return 0, false
	}
	return int64(v), true
}

func (r Record) millis(field string) (int64, bool) {
	raw, present := r[field]
	if !present {
		return 0, false
	}
	if v, ok := toFloat(raw); ok {
		return epochMillis(v)
	}
	if s, ok := raw.(string); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func (r Record) firstNumber(fields []string) (float64, bool) {
	for _, field := range fields {
		if raw, present := r[field]; present && raw != nil {
			return toFloat(raw)
		}
	}
	return 0, false
}

// toFloat coerces numbers and numeric strings to float64
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
