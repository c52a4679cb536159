package notify

import (
	"context"
	"sort"
	"sync"
)

// Tray keeps the visible notifications in memory. Alerts with the same ID
// coalesce into one entry, so a duplicate emission never shows twice.
type Tray struct {
	mu       sync.RWMutex
	visible  map[int32]Alert
	received int
}

// NewTray creates an empty tray
func NewTray() *Tray {
	return &Tray{visible: make(map[int32]Alert)}
}

func (t *Tray) Notify(_ context.Context, alert Alert) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible[alert.ID] = alert
	t.received++
	return nil
}

// List returns visible alerts, newest first
func (t *Tray) List() []Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := make([]Alert, 0, len(t.visible))
	for _, a := range t.visible {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// Get returns the visible alert with id
func (t *Tray) Get(id int32) (Alert, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.visible[id]
	return a, ok
}

// Dismiss removes an alert from the tray
func (t *Tray) Dismiss(id int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.visible[id]
	delete(t.visible, id)
	return ok
}

// Received counts every delivery, including ones that coalesced
func (t *Tray) Received() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.received
}
