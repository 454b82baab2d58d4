// This file contains the counter store that tracks per-day presence
// statistics: the maximum concurrent online count observed that day and a
// cumulative recompute total. Races here only affect the statistic, never
// presence correctness, so no locking is taken beyond what Redis provides.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ShortDate formats t as the per-day counter key (YYYY-MM-DD).
func ShortDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// CounterStore is the external per-day counter store.
type CounterStore interface {
	// MaxOnline returns the maximum online count recorded for day, or 0.
	MaxOnline(ctx context.Context, day string) (int64, error)

	// RecordOnline stores max(current recorded value, online) for day.
	RecordOnline(ctx context.Context, day string, online int64) error

	// IncrTotal increments the cumulative recompute count for day.
	IncrTotal(ctx context.Context, day string) error
}

// RedisCounterStore keeps the counters in two Redis hashes keyed by short
// date: one for the daily maximum, one for the cumulative total.
type RedisCounterStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisCounterStore creates a counter store on the given Redis client,
// scoped to the gateway namespace.
func NewRedisCounterStore(client redis.UniversalClient, namespace string) *RedisCounterStore {
	return &RedisCounterStore{client: client, namespace: namespace}
}

func (s *RedisCounterStore) maxKey() string {
	return fmt.Sprintf("gateway:%s:max_online_count", s.namespace)
}

func (s *RedisCounterStore) totalKey() string {
	return fmt.Sprintf("gateway:%s:max_online_count:total", s.namespace)
}

func (s *RedisCounterStore) MaxOnline(ctx context.Context, day string) (int64, error) {
	raw, err := s.client.HGet(ctx, s.maxKey(), day).Result()

	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storeUnavailable(err, "counter.max_online")
	}
	value, err := strconv.ParseInt(raw, 10, 64)

	if err != nil {
		return 0, nil
	}
	return value, nil
}

func (s *RedisCounterStore) RecordOnline(ctx context.Context, day string, online int64) error {
	current, err := s.MaxOnline(ctx, day)

	if err != nil {
		return err
	}
	if online < current {
		online = current
	}
	if err := s.client.HSet(ctx, s.maxKey(), day, online).Err(); err != nil {
		return storeUnavailable(err, "counter.record_online")
	}
	return nil
}

func (s *RedisCounterStore) IncrTotal(ctx context.Context, day string) error {
	if err := s.client.HIncrBy(ctx, s.totalKey(), day, 1).Err(); err != nil {
		return storeUnavailable(err, "counter.incr_total")
	}
	return nil
}

// memoryCounterStore is the in-memory CounterStore used for single instance
// deployments and tests.
type memoryCounterStore struct {
	mu    sync.Mutex
	max   map[string]int64
	total map[string]int64
}

// NewMemoryCounterStore creates an instance-local counter store.
func NewMemoryCounterStore() CounterStore {
	return &memoryCounterStore{
		max:   make(map[string]int64),
		total: make(map[string]int64),
	}
}

func (s *memoryCounterStore) MaxOnline(_ context.Context, day string) (int64, error) {
	s.mu.Lock()

	defer s.mu.Unlock()

	return s.max[day], nil
}

func (s *memoryCounterStore) RecordOnline(_ context.Context, day string, online int64) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	if online > s.max[day] {
		s.max[day] = online
	}
	return nil
}

func (s *memoryCounterStore) IncrTotal(_ context.Context, day string) error {
	s.mu.Lock()

	defer s.mu.Unlock()

	s.total[day]++

	return nil
}
