// Package caching provides key/value caches with optional per-entry TTL.
package caching

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("cache closed")

// Cache stores opaque values. A zero ttl means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
