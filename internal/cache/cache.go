// Package cache provides the expiring key/value store used for nonce replay
// guards, provisional authorization codes and revocation markers.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/keystash/internal/config"
)

// Cache is an expiring key/value store. A ttl of zero stores an entry that never expires.
// Expired entries are never returned, whether or not they were purged yet.
type Cache[V any] interface {
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	// Add stores value only when no live entry exists under key and reports
	// whether it did. The check and the write are one atomic step, so among
	// concurrent callers for the same key exactly one gets true.
	Add(ctx context.Context, key string, value V, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (V, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Evict(ctx context.Context, key string) (V, bool, error)
	Values(ctx context.Context) ([]V, error)
}

// New selects the backend named by cfg. The redis client is only used by the redis backend.
func New[V any](cfg config.Cache, client redis.UniversalClient, namespace string) Cache[V] {
	if cfg.Backend == config.CacheBackendRedis && client != nil {
		return NewRedis[V](client, cfg.KeyPrefix+namespace+":")
	}
	return NewMemory[V]()
}
