// Package store provides durable boolean flags keyed by string, used to
// remember which incidents have already been alerted.
package store

import "context"

// BoolStore persists boolean flags across process restarts.
// Writes are set-once-best-effort: writing the same value twice is harmless.
type BoolStore interface {
	GetBool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}
