package store

import (
	"context"
	"sync"
	"time"
)

// entry tracks one key's bucket pair and idle time for eviction
type entry struct {
	epoch    int64
	current  int64
	previous int64
	first    time.Time
	window   time.Duration
	lastSeen time.Time
}

// Memory is the in-process backend. It is the fallback when the distributed
// store is unreachable and the primary for single-instance deployments and
// tests. State is local to the process: under fallback, quotas are enforced
// per process rather than globally, which is strictly more permissive than
// normal operation.
type Memory struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// NewMemory creates the in-process backend and starts a background eviction
// goroutine that stops when ctx is cancelled.
func NewMemory(ctx context.Context) *Memory {
	m := &Memory{keys: make(map[string]*entry)}
	go m.evict(ctx)
	return m
}

// Incr implements Store. Rotation happens lazily on access: when the bucket
// epoch advances by one the current count becomes the previous count, and a
// larger gap clears both.
func (m *Memory) Incr(_ context.Context, key string, window time.Duration, now time.Time) (Sample, error) {
	epoch := BucketEpoch(now, window)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[key]
	if !ok {
		e = &entry{epoch: epoch, window: window}
		m.keys[key] = e
	}

	switch gap := epoch - e.epoch; {
	case gap == 0:
		// same bucket
	case gap == 1:
		e.previous = e.current
		e.current = 0
		e.first = time.Time{}
		e.epoch = epoch
	default:
		// a full window (or more) passed untouched, nothing carries over
		e.previous = 0
		e.current = 0
		e.first = time.Time{}
		e.epoch = epoch
	}

	e.current++
	if e.first.IsZero() {
		e.first = now
	}
	e.window = window
	e.lastSeen = now

	return Sample{Current: e.current, Previous: e.previous, First: e.first}, nil
}

// Reset implements Store.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of tracked keys, used by tests and the ops surface.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// evict periodically drops keys idle for longer than twice their window, the
// point at which neither bucket can contribute to an estimate anymore.
func (m *Memory) evict(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, e := range m.keys {
				if now.Sub(e.lastSeen) > 2*e.window {
					delete(m.keys, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
