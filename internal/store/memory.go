package store

import (
	"context"
	"sync"
)

// Memory is a BoolStore that lives only as long as the process
type Memory struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{flags: make(map[string]bool)}
}

func (m *Memory) GetBool(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[key], nil
}

func (m *Memory) SetBool(_ context.Context, key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[key] = value
	return nil
}

// Len returns the number of stored flags
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flags)
}
