package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/metrics"
)

// Planner queries providers in order until one returns routes
type Planner struct {
	providers []Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// NewPlanner creates a planner over providers, tried primary first.
// timeout bounds each provider call; zero means no extra bound.
func NewPlanner(providers []Provider, timeout time.Duration, m *metrics.Metrics) *Planner {
	if m == nil {
		m = metrics.New()
	}
	return &Planner{providers: providers, timeout: timeout, metrics: m}
}

// Plan returns alternatives sorted by distance ascending with the shortest
// marked primary, or an error wrapping ErrNoRoute.
func (p *Planner) Plan(ctx context.Context, origin, destination geo.Point) ([]Route, error) {
	ctx = logging.EnsureLogger(ctx)
	req := Request{Origin: origin, Destination: destination, Alternatives: true}

	started := time.Now()
	defer p.metrics.ObserveRoutePlan(started)

	var errs []error
	for _, provider := range p.providers {
		constrained := false
		if c, ok := provider.(Constrainer); ok && c.SupportsConstraint() {
			constrained = true
		}

		attempt := req
		attempt.Constrained = constrained
		routes, err := p.call(ctx, provider, attempt)
		if len(routes) == 0 && constrained {
			logging.Debugw(ctx, "Routing: retrying without constraint", "provider", provider.Name())
			attempt.Constrained = false
			routes, err = p.call(ctx, provider, attempt)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		}
		if len(routes) > 0 {
			return rank(routes, provider.Name()), nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	if len(errs) == 0 {
		return nil, ErrNoRoute
	}
	return nil, fmt.Errorf("%w: %w", ErrNoRoute, errors.Join(errs...))
}

func (p *Planner) call(ctx context.Context, provider Provider, req Request) ([]Route, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	routes, err := provider.Routes(ctx, req)
	switch {
	case err != nil:
		p.metrics.RouteRequests.WithLabelValues(provider.Name(), "error").Inc()
		logging.Warnw(ctx, "Routing: provider failed",
			"provider", provider.Name(), "constrained", req.Constrained, "error", err)
		return nil, err
	case len(routes) == 0:
		p.metrics.RouteRequests.WithLabelValues(provider.Name(), "empty").Inc()
		return nil, nil
	default:
		p.metrics.RouteRequests.WithLabelValues(provider.Name(), "ok").Inc()
		return routes, nil
	}
}

// rank sorts by distance, keeping provider order for ties, and marks the
// shortest route primary
func rank(routes []Route, provider string) []Route {
	ranked := make([]Route, len(routes))
	copy(ranked, routes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceMeters < ranked[j].DistanceMeters
	})
	for i := range ranked {
		ranked[i].Primary = i == 0
		if ranked[i].Provider == "" {
			ranked[i].Provider = provider
		}
	}
	return ranked
}
