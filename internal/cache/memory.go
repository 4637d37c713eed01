package cache

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const defaultShards = 32

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

// MemoryOption customizes a Memory cache.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	now    func() time.Time
	shards int
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// WithShards sets the number of independently locked shards.
func WithShards(n int) MemoryOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.shards = n
		}
	}
}

// Memory is an in-process Cache. Keys are spread across shards that are
// locked independently, so operations on unrelated keys rarely contend.
type Memory[V any] struct {
	seed   maphash.Seed
	shards []*shard[V]
	now    func() time.Time
}

var _ Cache[string] = (*Memory[string])(nil)

// NewMemory constructs an empty in-memory cache.
func NewMemory[V any](opts ...MemoryOption) *Memory[V] {
	o := memoryOptions{now: time.Now, shards: defaultShards}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Memory[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard[V], o.shards),
		now:    o.now,
	}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return m
}

func (m *Memory[V]) shardFor(key string) *shard[V] {
	return m.shards[maphash.String(m.seed, key)%uint64(len(m.shards))]
}

// Set stores value under key. A non-positive ttl stores an entry that never expires.
func (m *Memory[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return nil
}

// Add stores value unless a live entry exists. Check and insert happen under
// the shard write lock.
func (m *Memory[V]) Add(_ context.Context, key string, value V, ttl time.Duration) (bool, error) {
	now := m.now()
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[key]; ok && !cur.expired(now) {
		return false, nil
	}
	s.items[key] = e
	return true, nil
}

// Get returns the live value stored under key.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return zero, false, nil
	}
	return e.value, true, nil
}

// Has reports whether a live value is stored under key.
func (m *Memory[V]) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Evict removes key and returns its value if it was still live.
func (m *Memory[V]) Evict(_ context.Context, key string) (V, bool, error) {
	var zero V
	s := m.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	if !ok || e.expired(m.now()) {
		return zero, false, nil
	}
	return e.value, true, nil
}

// Values returns a snapshot of every live value, in no particular order.
func (m *Memory[V]) Values(_ context.Context) ([]V, error) {
	now := m.now()
	var out []V
	for _, s := range m.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if !e.expired(now) {
				out = append(out, e.value)
			}
		}
		s.mu.RUnlock()
	}
	return out, nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *Memory[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Sweep purges expired entries and returns how many were removed.
// The write lock is taken once per removed entry.
func (m *Memory[V]) Sweep() int {
	removed := 0
	for _, s := range m.shards {
		now := m.now()
		s.mu.RLock()
		var expired []string
		for key, e := range s.items {
			if e.expired(now) {
				expired = append(expired, key)
			}
		}
		s.mu.RUnlock()

		for _, key := range expired {
			s.mu.Lock()
			// the key may have been overwritten since the scan
			if e, ok := s.items[key]; ok && e.expired(now) {
				delete(s.items, key)
				removed++
			}
			s.mu.Unlock()
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *Memory[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
