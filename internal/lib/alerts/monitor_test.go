package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/resq/server/internal/feed"
	"github.com/dpup/resq/server/internal/lib/incident"
	"github.com/dpup/resq/server/internal/notify"
	"github.com/dpup/resq/server/internal/store"
)

type brokenSource struct {
	*feed.Memory
}

func (b brokenSource) Subscribe(ctx context.Context) (feed.Subscription, error) {
	sub, err := b.Memory.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return brokenSubscription{sub}, nil
}

type brokenSubscription struct {
	feed.Subscription
}

func (b brokenSubscription) Close() error {
	_ = b.Subscription.Close()
	return errors.New("teardown failed")
}

func TestMonitor_BaselineThenLive(t *testing.T) {
	src := feed.NewMemory(firePath, 200)
	src.Put("old", incident.Record{"status": "Ongoing", "lat": 7.45, "lon": 125.80, "timestamp": 5000.0})

	tray := notify.NewTray()
	gate := newTestGate(store.NewMemory(), tray)
	mon := NewMonitor()

	require.NoError(t, mon.Watch(logging.EnsureLogger(context.Background()), gate, src))
	assert.Equal(t, int64(5000000), gate.Baseline())

	src.Put("new", incident.Record{"status": "Ongoing", "lat": 7.45, "lon": 125.80, "timestamp": 5001.0})

	assert.Eventually(t, func() bool { return tray.Received() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "new", tray.List()[0].IncidentID)

	require.NoError(t, mon.Close())
	assert.Equal(t, 0, src.Subscribers())
}

func TestMonitor_CloseIsolatesTeardownFailures(t *testing.T) {
	healthy := feed.NewMemory("reports/other/st1", 200)
	broken := brokenSource{feed.NewMemory(firePath, 200)}

	mon := NewMonitor()
	require.NoError(t, mon.Watch(logging.EnsureLogger(context.Background()), newTestGate(store.NewMemory(), notify.NewTray()), broken))
	require.NoError(t, mon.Watch(logging.EnsureLogger(context.Background()), newTestGate(store.NewMemory(), notify.NewTray()), healthy))

	err := mon.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teardown failed")
	assert.Equal(t, 0, healthy.Subscribers(), "The healthy listener is still torn down")
	assert.Equal(t, 0, broken.Subscribers())

	assert.Error(t, mon.Watch(logging.EnsureLogger(context.Background()), newTestGate(store.NewMemory(), notify.NewTray()), healthy))
}

func TestMonitor_SubscribeFailure(t *testing.T) {
	src := feed.NewMemory(firePath, 200)
	ctx, cancel := context.WithCancel(logging.EnsureLogger(context.Background()))
	cancel()

	mon := NewMonitor()
	err := mon.Watch(ctx, newTestGate(store.NewMemory(), notify.NewTray()), src)
	assert.Error(t, err)
	assert.NoError(t, mon.Close())
}
