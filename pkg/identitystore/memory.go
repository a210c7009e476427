// Copyright 2024-2026 Aiku AI

package identitystore

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in process memory. Used in tests and for
// throwaway bridges configured with database type "memory".
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[Scope]map[string][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[Scope]map[string][]byte)}
}

func (m *MemoryBackend) Put(ctx context.Context, scope Scope, id string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.records[scope]
	if !ok {
		bucket = make(map[string][]byte)
		m.records[scope] = bucket
	}
	bucket[id] = cp
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, scope Scope, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.records[scope][id]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

// Scan visits records in id order so query results are deterministic.
func (m *MemoryBackend) Scan(ctx context.Context, scope Scope, fn func(raw []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	bucket := m.records[scope]
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([][]byte, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, bucket[id])
	}
	m.mu.RUnlock()

	for _, raw := range snapshot {
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
