package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	stamps []time.Time
	window time.Duration
}

// MemoryStore окно в памяти процесса, для одного экземпляра и тестов
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	b.window = window

	cutoff := now.Add(-window)
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	if len(b.stamps) < max {
		b.stamps = append(b.stamps, now)
		return true, len(b.stamps), b.stamps[0], nil
	}
	return false, len(b.stamps), b.stamps[0], nil
}

// Cleanup удаляет корзины, все метки которых старше окна плюс grace.
// Возвращает число удаленных корзин.
func (s *MemoryStore) Cleanup(now time.Time, grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, b := range s.buckets {
		if len(b.stamps) == 0 || !b.stamps[len(b.stamps)-1].After(now.Add(-(b.window + grace))) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed
}

// Len число корзин
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
