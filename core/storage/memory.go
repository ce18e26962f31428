// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Driver and Watcher. Change events are delivered
// synchronously to all watchers after the write has completed.
type Memory struct {
	mu       sync.RWMutex
	values   map[string][]byte
	nextID   int
	watchers map[int]func(Change)
}

// NewMemory returns a new, empty memory store
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string][]byte),
		watchers: make(map[int]func(Change)),
	}
}

// Get implements Driver
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, value...), nil
}

// Set implements Driver
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	value = append([]byte{}, value...)
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	m.notify(Change{Key: key, Value: value})
	return nil
}

// Remove implements Driver
func (m *Memory) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()
	if ok {
		m.notify(Change{Key: key})
	}
	return nil
}

// Clear implements Driver
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	m.values = make(map[string][]byte)
	m.mu.Unlock()
	for _, key := range keys {
		m.notify(Change{Key: key})
	}
	return nil
}

// Close implements Driver
func (m *Memory) Close() error {
	m.mu.Lock()
	m.watchers = make(map[int]func(Change))
	m.mu.Unlock()
	return nil
}

// Watch implements Watcher
func (m *Memory) Watch(handler func(Change)) (func(), error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers[id] = handler
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) notify(change Change) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	handlers := make([]func(Change), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, m.watchers[id])
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(Change{Key: change.Key, Value: append([]byte(nil), change.Value...)})
	}
}
