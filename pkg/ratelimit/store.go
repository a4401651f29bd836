package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore counts events per key within a fixed window. The in-memory
// implementation serves single-instance deployments; the Redis one shares
// counters across replicas.
type CounterStore interface {
	// Incr increments the counter for key, starting a fresh window on the
	// first hit, and returns the count within the current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// WindowLimiter admits up to limit events per key per window, backed by a
// CounterStore.
type WindowLimiter struct {
	store  CounterStore
	limit  int64
	window time.Duration
}

// NewWindowLimiter creates a fixed-window limiter over the given store.
func NewWindowLimiter(store CounterStore, limit int64, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		store:  store,
		limit:  limit,
		window: window,
	}
}

// Allow reports whether the event for key is within the window limit.
func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return false, err
	}
	return count <= l.limit, nil
}

// Window returns the limiter's window length.
func (l *WindowLimiter) Window() time.Duration {
	return l.window
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is an in-process CounterStore.
type MemoryCounterStore struct {
	counters map[string]*memoryCounter
	mu       sync.Mutex
}

// NewMemoryCounterStore creates an in-memory counter store. A janitor drops
// expired windows every cleanupInterval; 0 disables it.
func NewMemoryCounterStore(cleanupInterval time.Duration) *MemoryCounterStore {
	s := &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
	}

	if cleanupInterval > 0 {
		go s.cleanup(cleanupInterval)
	}

	return s
}

func (s *MemoryCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	counter, exists := s.counters[key]
	if !exists || now.After(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: now.Add(window)}
		s.counters[key] = counter
	}

	counter.count++
	return counter.count, nil
}

func (s *MemoryCounterStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for key, counter := range s.counters {
			if now.After(counter.expiresAt) {
				delete(s.counters, key)
			}
		}
		s.mu.Unlock()
	}
}

// RedisCounterStore is a CounterStore over Redis, for deployments with more
// than one instance behind a load balancer.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a Redis-backed counter store. Keys are
// namespaced with prefix.
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisCounterStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	redisKey := fmt.Sprintf("%s:%s", s.prefix, key)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// NX keeps the window anchored at the first hit
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return incr.Val(), nil
}
