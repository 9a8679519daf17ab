package store

import (
	"context"
	"sync"
)

// Memory is a process-local snapshot store. It backs the "none"
// persistence mode and the tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Save replaces the stored blob. The data is copied.
func (m *Memory) Save(_ context.Context, userID string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.blobs[userID] = cp
	m.mu.Unlock()
	return nil
}

// Load returns a copy of the stored blob, or ErrNotFound.
func (m *Memory) Load(_ context.Context, userID string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[userID]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes the stored blob.
func (m *Memory) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.blobs, userID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored snapshots.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Close is a no-op.
func (m *Memory) Close() {}
