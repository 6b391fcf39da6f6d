package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/redis/go-redis/v9"
)

// Redis is the distributed Store adapter, grounded on
// jordigilh-kubernaut's pkg/cache/redis client (redis.NewClient,
// Set/Get/Del over go-redis/v9), used here for multi-worker/
// multi-server deployments where Memory's process-local cache would
// miss across replicas.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) fullKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, internal.NewStorageFailureError("cache.get", err)
	}
	return json.RawMessage(raw), true, nil
}

// Set overwrites key unconditionally (last-write-wins, spec §5); ttl<=0
// means no expiry.
func (r *Redis) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.fullKey(key), []byte(value), ttl).Err(); err != nil {
		return internal.NewStorageFailureError("cache.set", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.fullKey(key)).Err(); err != nil {
		return internal.NewStorageFailureError("cache.delete", err)
	}
	return nil
}

var _ Store = (*Redis)(nil)
