package gateway

import (
	"sync"
)

// store is a mutex-guarded keyed map backing the in-memory metadata store.
type store[T any] struct {
	mutex sync.RWMutex
	store map[string]T
}

func newStore[T any]() *store[T] {
	return &store[T]{
		store: make(map[string]T),
	}
}

func (s *store[T]) Read(key string) (T, bool) {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	value, exists := s.store[key]
	return value, exists
}

func (s *store[T]) Upsert(key string, value T) {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	s.store[key] = value
}

func (s *store[T]) Delete(key string) bool {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; !exists {
		return false
	}
	delete(s.store, key)

	return true
}

func (s *store[T]) List() map[string]T {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	result := make(map[string]T, len(s.store))

	for key, value := range s.store {
		result[key] = value
	}
	return result
}
