package incident

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/resq/server/internal/lib/geo"
)

func TestIsOngoing(t *testing.T) {
	for _, status := range []string{"ongoing", "Ongoing", "ON-GOING", " on-going ", "On-Going"} {
		assert.True(t, IsOngoing(status), status)
	}
	for _, status := range []string{"", "Completed", "resolved", "on going", "ongoing!"} {
		assert.False(t, IsOngoing(status), status)
	}
}

func TestParseSource(t *testing.T) {
	src, err := ParseSource(" fire ")
	require.NoError(t, err)
	assert.Equal(t, SourceFire, src)

	src, err = ParseSource("sms")
	require.NoError(t, err)
	assert.Equal(t, SourceSMS, src)

	_, err = ParseSource("medical")
	assert.Error(t, err)
}

func TestRecordLocation(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		want   geo.Point
		ok     bool
	}{
		{"long spellings", Record{"latitude": 7.45, "longitude": 125.80}, geo.Point{Latitude: 7.45, Longitude: 125.80}, true},
		{"short spellings", Record{"lat": 7.45, "lon": 125.80}, geo.Point{Latitude: 7.45, Longitude: 125.80}, true},
		{"numeric strings", Record{"lat": " 7.45", "lon": "125.8"}, geo.Point{Latitude: 7.45, Longitude: 125.8}, true},
		{"json numbers", Record{"lat": json.Number("7.45"), "lon": json.Number("125.8")}, geo.Point{Latitude: 7.45, Longitude: 125.8}, true},
		{"integers", Record{"lat": 7, "lon": int64(125)}, geo.Point{Latitude: 7, Longitude: 125}, true},
		{"long spelling wins", Record{"latitude": 1.0, "lat": 2.0, "longitude": 3.0, "lon": 4.0}, geo.Point{Latitude: 1, Longitude: 3}, true},
		{"missing longitude", Record{"lat": 7.45}, geo.Point{}, false},
		{"garbage", Record{"lat": "north", "lon": 125.8}, geo.Point{}, false},
		{"out of range", Record{"lat": 97.0, "lon": 125.8}, geo.Point{}, false},
		{"null", Record{"lat": nil, "lon": nil}, geo.Point{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.record.Location()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordTimestamp(t *testing.T) {
	manila, err := time.LoadLocation("Asia/Manila")
	require.NoError(t, err)

	tests := []struct {
		name   string
		record Record
		want   int64
		ok     bool
	}{
		{"acceptedAt wins", Record{"acceptedAt": 1700000000000.0, "timestamp": 5.0}, 1700000000000, true},
		{"seconds normalized", Record{"timestamp": 1700000000.0}, 1700000000000, true},
		{"boundary is seconds", Record{"timestamp": 9999999999.0}, 9999999999000, true},
		{"millis kept", Record{"timestamp": 10000000000.0}, 10000000000, true},
		{"alternate spelling", Record{"timeStamp": "1700000000123"}, 1700000000123, true},
		{"rfc3339", Record{"timestamp": "2024-03-01T08:00:00Z"}, 1709280000000, true},
		{"numeric time", Record{"time": 1000.0}, 1000000, true},
		{"date and time", Record{"date": "2024-03-01", "time": "16:00:00"}, 1709280000000, true},
		{"date and short time", Record{"date": "2024-03-01", "time": "16:00"}, 1709280000000, true},
		{"unparseable date", Record{"date": "yesterday", "time": "16:00:00"}, 0, false},
		{"out of range falls through", Record{"timestamp": 1e30, "time": 1000.0}, 1000000, true},
		{"out of range alone", Record{"timestamp": 1e30}, 0, false},
		{"negative rejected", Record{"acceptedAt": -5.0, "timestamp": 1700000000.0}, 1700000000000, true},
		{"clock string is not an epoch", Record{"time": "1530"}, 0, false},
		{"nothing", Record{"status": "ongoing"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.record.Timestamp(manila)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusLine(t *testing.T) {
	inc := Incident{Key: Key{Source: SourceFire, ID: "a"}, Sequence: 2, Status: "Ongoing"}
	assert.Equal(t, "FIRE #2 · Ongoing", inc.StatusLine(""))
	assert.Equal(t, "FIRE #2 · Ongoing · 7 min · 3.4 km", inc.StatusLine("7 min · 3.4 km"))
}
