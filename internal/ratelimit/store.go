package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CounterStore holds fixed-window counters.
//
// IncrWindow must be a single atomic step: increment the counter for key,
// set its expiry to ttl only if the key has none, and report the new count
// with the remaining ttl. A negative remaining ttl means the key has no
// expiry and the caller should repair it with Expire.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time // zero: no expiry
}

// MemoryStore is a process-local CounterStore on a TTL cache. The cache
// evicts stale windows; the counter's own expiry decides liveness, so the
// first increment fixes the window end and later ones never extend it.
type MemoryStore struct {
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, *memoryCounter]
	now    func() time.Time
	writes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, *memoryCounter]()),
		now:   time.Now,
	}
}

func cacheTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var c *memoryCounter
	if it := s.cache.Get(key); it != nil {
		c = it.Value()
	}
	if c != nil && !c.expiresAt.IsZero() && !now.Before(c.expiresAt) {
		c = nil
	}
	if c == nil {
		c = &memoryCounter{}
		s.cache.Set(key, c, cacheTTL(ttl))
	}
	c.count++
	if c.expiresAt.IsZero() && ttl > 0 {
		c.expiresAt = now.Add(ttl)
		if c.count > 1 {
			s.cache.Set(key, c, ttl)
		}
	}

	s.writes++
	if s.writes%256 == 0 {
		s.cache.DeleteExpired()
	}

	if c.expiresAt.IsZero() {
		return c.count, -1, nil
	}
	return c.count, c.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.cache.Get(key); it != nil {
		c := it.Value()
		c.expiresAt = s.now().Add(ttl)
		s.cache.Set(key, c, cacheTTL(ttl))
	}
	return nil
}

// Len reports the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.DeleteExpired()
	now := s.now()
	n := 0
	s.cache.Range(func(it *ttlcache.Item[string, *memoryCounter]) bool {
		if c := it.Value(); c.expiresAt.IsZero() || now.Before(c.expiresAt) {
			n++
		}
		return true
	})
	return n
}
