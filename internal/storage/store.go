package storage

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyExists is returned when a message is delivered twice under one key
	ErrKeyExists = errors.New("key already holds an undelivered value")
	// ErrMailboxClosed is returned once the store has been closed
	ErrMailboxClosed = errors.New("mailbox closed")
)

// Store holds delivered chunk messages until a collective operation takes them.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Put stores a copy of value under key
	// Returns ErrKeyExists if an untaken value is already stored there
	Put(key string, value []int64) error

	// Take blocks until key holds a value, then removes and returns it
	Take(ctx context.Context, key string) ([]int64, error)

	// Stats returns storage statistics
	Stats() StoreStats

	// Close fails every pending and future Take with reason
	Close(reason error)
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys      int    `json:"keys"`      // Number of undelivered keys
	Elements  int    `json:"elements"`  // Total elements held
	Delivered uint64 `json:"delivered"` // Values handed out by Take
}

// MemoryStore implements Store with in-memory storage.
// Waiters are woken by closing and replacing the notify channel on every change.
type MemoryStore struct {
	data      map[string][]int64
	notify    chan struct{}
	closeErr  error
	mu        sync.Mutex
	delivered uint64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]int64),
		notify: make(chan struct{}),
	}
}

// broadcast must be called with mu held
func (m *MemoryStore) broadcast() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key string, value []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeErr != nil {
		return m.closeErr
	}
	if _, exists := m.data[key]; exists {
		return errors.Wrapf(ErrKeyExists, "key %q", key)
	}

	stored := make([]int64, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.broadcast()
	return nil
}

// Take removes and returns the value under key, waiting for it if needed.
// The returned slice is owned by the caller.
func (m *MemoryStore) Take(ctx context.Context, key string) ([]int64, error) {
	for {
		m.mu.Lock()
		if value, exists := m.data[key]; exists {
			delete(m.data, key)
			m.delivered++
			m.mu.Unlock()
			return value, nil
		}
		if m.closeErr != nil {
			err := m.closeErr
			m.mu.Unlock()
			return nil, err
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	elements := 0
	for _, value := range m.data {
		elements += len(value)
	}
	return StoreStats{
		Keys:      len(m.data),
		Elements:  elements,
		Delivered: m.delivered,
	}
}

// Close rejects further puts and wakes every waiter with reason.
// Values already stored remain available to Take. Only the first reason sticks.
func (m *MemoryStore) Close(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeErr != nil {
		return
	}
	if reason == nil {
		reason = ErrMailboxClosed
	} else if !errors.Is(reason, ErrMailboxClosed) {
		reason = errors.Mark(reason, ErrMailboxClosed)
	}
	m.closeErr = reason
	m.broadcast()
}
