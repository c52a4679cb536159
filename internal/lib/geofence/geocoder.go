package geofence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dpup/resq/server/internal/cache"
	"github.com/dpup/resq/server/internal/lib/geo"
)

// geocodeNamespace tags reverse-geocode entries in the shared cache
const geocodeNamespace = "geocode"

// Chain tries geocoders in order and returns the first non-empty address
type Chain []ReverseGeocoder

func (c Chain) ReverseGeocode(ctx context.Context, p geo.Point) (string, error) {
	var errs []error
	for _, g := range c {
		address, err := g.ReverseGeocode(ctx, p)
		if err == nil && address != "" {
			return address, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", nil
	}
	return "", errors.Join(errs...)
}

// Cached memoizes addresses per coordinate rounded to about 11 meters
type Cached struct {
	inner ReverseGeocoder
	cache *cache.Cache
	ttl   time.Duration
}

// NewCached wraps inner with a TTL cache
func NewCached(inner ReverseGeocoder, c *cache.Cache, ttl time.Duration) *Cached {
	if c == nil {
		c = cache.NewCache()
	}
	return &Cached{inner: inner, cache: c, ttl: ttl}
}

func (c *Cached) ReverseGeocode(ctx context.Context, p geo.Point) (string, error) {
	key := fmt.Sprintf("geocode:%.4f,%.4f", p.Latitude, p.Longitude)

	var address string
	if found, err := c.cache.Get(key, &address); err == nil && found {
		return address, nil
	}

	address, err := c.inner.ReverseGeocode(ctx, p)
	if err != nil {
		return "", err
	}
	// Failures and empty answers are retried on the next lookup
	if address != "" {
		_ = c.cache.Set(key, address, c.ttl, geocodeNamespace)
	}
	return address, nil
}
