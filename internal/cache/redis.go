package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 256

// Redis implements Cache backed by Redis. Values are stored as JSON under prefix.
type Redis[V any] struct {
	client redis.UniversalClient
	prefix string
}

var _ Cache[string] = (*Redis[string])(nil)

// NewRedis constructs a Redis-backed cache whose keys live under prefix.
func NewRedis[V any](client redis.UniversalClient, prefix string) *Redis[V] {
	return &Redis[V]{client: client, prefix: prefix}
}

// Set stores the encoded value with ttl. Redis treats a zero ttl as no expiry.
func (r *Redis[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist cache value: %w", err)
	}
	return nil
}

// Add stores the encoded value with SET NX, so only the first writer of key wins.
func (r *Redis[V]) Add(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal cache value: %w", err)
	}
	added, err := r.client.SetNX(ctx, r.prefix+key, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("add cache value: %w", err)
	}
	return added, nil
}

// Get loads and decodes the value stored under key.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	bytes, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("load cache value: %w", err)
	}
	return decode[V](bytes)
}

// Has reports whether a live value is stored under key.
func (r *Redis[V]) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check cache value: %w", err)
	}
	return n > 0, nil
}

// Evict atomically removes key and returns the value it held.
func (r *Redis[V]) Evict(ctx context.Context, key string) (V, bool, error) {
	var zero V
	bytes, err := r.client.GetDel(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("evict cache value: %w", err)
	}
	return decode[V](bytes)
}

// Values scans the prefix and returns every live value. Keys that expire
// between the scan and the read are skipped. SCAN may report a key more than
// once, so each key is read at most once.
func (r *Redis[V]) Values(ctx context.Context) ([]V, error) {
	var (
		cursor uint64
		out    []V
		seen   = make(map[string]struct{})
	)
	for {
		page, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan cache keys: %w", err)
		}
		keys := page[:0]
		for _, k := range page {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			raw, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("load cache values: %w", err)
			}
			for _, item := range raw {
				s, ok := item.(string)
				if !ok {
					continue
				}
				v, _, err := decode[V]([]byte(s))
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func decode[V any](bytes []byte) (V, bool, error) {
	var v V
	if err := json.Unmarshal(bytes, &v); err != nil {
		return v, false, fmt.Errorf("decode cache value: %w", err)
	}
	return v, true, nil
}
