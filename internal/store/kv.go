package store

import (
	"context"
	"errors"
	"sync"
)

// ErrPartitionNotFound is returned by KV.Read for a partition that has never
// been written.
var ErrPartitionNotFound = errors.New("partition not found")

// KV is the persistence-at-rest contract: named partitions of opaque bytes.
// The store only ever reads, writes and enumerates whole partitions.
type KV interface {
	Read(ctx context.Context, partition string) ([]byte, error)
	Write(ctx context.Context, partition string, data []byte) error
	List(ctx context.Context) ([]string, error)
}

// MemoryKV is an in-process KV used in tests and as a fallback when no
// durable backend is configured.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Read returns the partition's bytes or ErrPartitionNotFound.
func (m *MemoryKV) Read(_ context.Context, partition string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[partition]
	if !ok {
		return nil, ErrPartitionNotFound
	}
	return append([]byte(nil), data...), nil
}

// Write replaces the partition's bytes.
func (m *MemoryKV) Write(_ context.Context, partition string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[partition] = append([]byte(nil), data...)
	return nil
}

// List enumerates the written partitions.
func (m *MemoryKV) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.data))
	for name := range m.data {
		names = append(names, name)
	}
	return names, nil
}
