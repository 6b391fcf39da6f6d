// Package cache implements the Cache Entry contract of spec §3/§4.3:
// last-write-wins, TTL-bounded storage keyed by the fingerprint
// internal/fingerprint.CacheKey computes.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the contract runtime.Envelope depends on for Spec.Cache.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
