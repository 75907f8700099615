package ratelimit

import (
	"context"
	"sync"
	"time"
)

type eventKey struct {
	userID int64
	action string
}

// MemoryStore keeps timestamps in process.
type MemoryStore struct {
	mu     sync.Mutex
	events map[eventKey][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[eventKey][]time.Time)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Hit(_ context.Context, userID int64, action string, now time.Time, window time.Duration, limit int) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := eventKey{userID, action}
	since := now.Add(-window)
	kept := s.events[k][:0]
	for _, ts := range s.events[k] {
		if ts.After(since) {
			kept = append(kept, ts)
		}
	}
	count := len(kept)
	var oldest time.Time
	if count > 0 {
		oldest = kept[0]
	}
	if count < limit {
		kept = append(kept, now)
	}
	s.events[k] = kept
	return count, oldest, nil
}

func (s *MemoryStore) Reset(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.events {
		if k.userID == userID {
			delete(s.events, k)
		}
	}
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, list := range s.events {
		kept := list[:0]
		for _, ts := range list {
			if ts.Before(before) {
				n++
				continue
			}
			kept = append(kept, ts)
		}
		if len(kept) == 0 {
			delete(s.events, k)
		} else {
			s.events[k] = kept
		}
	}
	return n, nil
}
