package incident

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fire(id string) Key { return Key{Source: SourceFire, ID: id} }

func ongoing(ts float64) Record {
	return Record{"status": "Ongoing", "lat": 7.45, "lon": 125.80, "timestamp": ts}
}

func TestMerger_CaseDifferentReplayKeepsOneEntry(t *testing.T) {
	m := NewMerger(time.UTC)

	outcome, err := m.Apply(Change{Key: fire("a"), Record: Record{"status": "Ongoing", "lat": 7.45, "lon": 125.80, "timestamp": 1000.0}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, outcome)

	outcome, err = m.Apply(Change{Key: fire("a"), Record: Record{"status": "ongoing", "lat": 7.45, "lon": 125.80, "timestamp": 1000.0}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	assert.Equal(t, 1, m.Len())
	inc, ok := m.Get(fire("a"))
	require.True(t, ok)
	assert.Equal(t, 1, inc.Sequence)
	assert.Equal(t, int64(1000000), inc.Timestamp)
}

func TestMerger_Idempotence(t *testing.T) {
	changes := []Change{
		{Key: fire("a"), Record: ongoing(1000)},
		{Key: Key{Source: SourceSMS, ID: "x"}, Record: Record{"status": "on-going", "latitude": "7.1", "longitude": "125.6"}, ReceivedAt: time.UnixMilli(5000)},
		{Key: fire("b"), Record: ongoing(2000)},
		{Key: fire("b"), Removed: true},
	}

	for i, c := range changes {
		once := NewMerger(time.UTC)
		twice := NewMerger(time.UTC)
		for _, prior := range changes[:i] {
			_, _ = once.Apply(prior)
			_, _ = twice.Apply(prior)
		}

		_, _ = once.Apply(c)
		// Replay with a later receipt time
		replay := c
		replay.ReceivedAt = c.ReceivedAt.Add(time.Minute)
		_, _ = twice.Apply(c)
		_, _ = twice.Apply(replay)

		a, err := json.Marshal(once.List())
		require.NoError(t, err)
		b, err := json.Marshal(twice.List())
		require.NoError(t, err)
		assert.JSONEq(t, string(a), string(b), "change %d", i)
	}
}

func TestMerger_SequenceStability(t *testing.T) {
	m := NewMerger(time.UTC)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Apply(Change{Key: fire(id), Record: ongoing(1000)})
		require.NoError(t, err)
	}

	// Unrelated churn must not renumber "b"
	_, _ = m.Apply(Change{Key: fire("a"), Removed: true})
	_, _ = m.Apply(Change{Key: fire("d"), Record: ongoing(3000)})
	_, _ = m.Apply(Change{Key: fire("c"), Record: Record{"status": "Completed"}})
	_, _ = m.Apply(Change{Key: fire("b"), Record: ongoing(4000)})

	b, ok := m.Get(fire("b"))
	require.True(t, ok)
	assert.Equal(t, 2, b.Sequence)
	assert.Equal(t, int64(4000000), b.Timestamp)

	d, ok := m.Get(fire("d"))
	require.True(t, ok)
	assert.Equal(t, 4, d.Sequence)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, fire("b"), list[0].Key)
	assert.Equal(t, fire("d"), list[1].Key)
}

func TestMerger_CounterResetsWhenEmpty(t *testing.T) {
	m := NewMerger(time.UTC)

	_, _ = m.Apply(Change{Key: fire("a"), Record: ongoing(1000)})
	_, _ = m.Apply(Change{Key: fire("b"), Record: ongoing(1000)})
	_, _ = m.Apply(Change{Key: fire("a"), Removed: true})
	_, _ = m.Apply(Change{Key: fire("b"), Record: Record{"status": "completed"}})
	assert.Equal(t, 0, m.Len())

	_, _ = m.Apply(Change{Key: fire("c"), Record: ongoing(1000)})
	c, ok := m.Get(fire("c"))
	require.True(t, ok)
	assert.Equal(t, 1, c.Sequence)
}

func TestMerger_MissingLocationIgnored(t *testing.T) {
	m := NewMerger(time.UTC)

	outcome, err := m.Apply(Change{Key: fire("a"), Record: Record{"status": "ongoing", "timestamp": 1000.0}})
	assert.ErrorIs(t, err, ErrNoLocation)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, 0, m.Len())

	// A malformed update leaves the previous state alone
	_, err = m.Apply(Change{Key: fire("a"), Record: ongoing(1000)})
	require.NoError(t, err)
	_, err = m.Apply(Change{Key: fire("a"), Record: Record{"status": "ongoing", "lat": "?", "lon": 1.0}})
	assert.ErrorIs(t, err, ErrNoLocation)

	inc, ok := m.Get(fire("a"))
	require.True(t, ok)
	assert.Equal(t, 7.45, inc.Location.Latitude)
}

func TestMerger_RemovalOfUnknownKey(t *testing.T) {
	m := NewMerger(time.UTC)

	outcome, err := m.Apply(Change{Key: fire("ghost"), Removed: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
}

func TestMerger_ClockFallback(t *testing.T) {
	m := NewMerger(time.UTC)
	received := time.UnixMilli(1709280000000)

	_, err := m.Apply(Change{Key: fire("a"), Record: Record{"status": "ongoing", "lat": 1.0, "lon": 1.0}, ReceivedAt: received})
	require.NoError(t, err)

	inc, ok := m.Get(fire("a"))
	require.True(t, ok)
	assert.Equal(t, received.UnixMilli(), inc.Timestamp)
}

func TestMerger_Lowest(t *testing.T) {
	m := NewMerger(time.UTC)
	_, ok := m.Lowest()
	assert.False(t, ok)

	_, _ = m.Apply(Change{Key: fire("a"), Record: ongoing(1000)})
	_, _ = m.Apply(Change{Key: Key{Source: SourceOther, ID: "b"}, Record: ongoing(500)})

	lowest, ok := m.Lowest()
	require.True(t, ok)
	assert.Equal(t, fire("a"), lowest.Key)
}
