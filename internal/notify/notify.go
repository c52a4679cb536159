// Package notify delivers operator-facing alerts.
package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dpup/resq/server/internal/lib/geo"
)

// Alert is a single operator-facing notification about a new incident
type Alert struct {
	// ID is the delivery-layer identifier; equal IDs replace each other
	ID         int32     `json:"id"`
	DedupKey   string    `json:"dedup_key"`
	Source     string    `json:"source"`
	IncidentID string    `json:"incident_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Location   geo.Point `json:"location"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notifier delivers alerts to the operator
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// HTTPDoer is the subset of *http.Client the HTTP notifiers use
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Multi fans an alert out to several notifiers, attempting every one
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
