package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cerberus-gate/cerberus/internal/domain/governance"
)

// counterCell is one windowed counter with its expiry instant.
type counterCell struct {
	value     int64
	expiresAt time.Time
}

// CounterStore implements the rate-limit counter port with in-memory
// counters. Thread-safe for concurrent access. For development/testing
// only. Includes background cleanup to prevent unbounded memory growth.
type CounterStore struct {
	cells           map[string]*counterCell
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	clock           func() time.Time
}

// Compile-time interface verification.
var _ governance.CounterStore = (*CounterStore)(nil)

// NewCounterStore creates a new in-memory counter store with the default
// cleanup interval of 5 minutes.
func NewCounterStore() *CounterStore {
	return NewCounterStoreWithConfig(5 * time.Minute)
}

// NewCounterStoreWithConfig creates a new in-memory counter store with a
// custom cleanup interval.
func NewCounterStoreWithConfig(cleanupInterval time.Duration) *CounterStore {
	return &CounterStore{
		cells:           make(map[string]*counterCell),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		clock:           time.Now,
	}
}

// IncrWithTTL atomically increments a counter, arming its TTL on first
// touch only so the window does not slide on every increment.
func (s *CounterStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	cell, ok := s.cells[key]
	if !ok || now.After(cell.expiresAt) {
		cell = &counterCell{expiresAt: now.Add(ttl)}
		s.cells[key] = cell
	}
	cell.value++
	return cell.value, nil
}

// Get returns the current counter value, 0 when absent or expired.
func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.cells[key]
	if !ok || s.clock().After(cell.expiresAt) {
		return 0, nil
	}
	return cell.value, nil
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes expired counters.
// It stops when ctx is cancelled or Stop() is called.
func (s *CounterStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup removes expired counters. Only called by the background
// cleanup goroutine.
func (s *CounterStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	cleaned := 0
	for key, cell := range s.cells {
		if now.After(cell.expiresAt) {
			delete(s.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("counter store cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(s.cells))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *CounterStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked counters.
// Useful for testing and monitoring memory usage.
func (s *CounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cells)
}
