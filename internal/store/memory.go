package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memoryRow[E any] struct {
	partition string
	row       string
	value     *E
}

// MemoryTable is an in-process Table[E], used by reconciler, scheduler, and
// autoscaler tests so state-machine logic is exercised without a real
// Postgres instance.
type MemoryTable[E any] struct {
	mu     sync.RWMutex
	schema Schema[E]
	rows   map[string]*memoryRow[E]
}

func NewMemoryTable[E any](schema Schema[E]) *MemoryTable[E] {
	return &MemoryTable[E]{
		schema: schema,
		rows:   make(map[string]*memoryRow[E]),
	}
}

func key(partition, row string) string { return partition + "\x00" + row }

func clone[E any](e *E) *E {
	v := *e
	return &v
}

func (m *MemoryTable[E]) Create(ctx context.Context, e *E) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(m.schema.PartitionOf(e), m.schema.RowOf(e))
	if _, exists := m.rows[k]; exists {
		return ErrConflict
	}
	m.schema.SetETag(e, uuid.New().String())
	m.rows[k] = &memoryRow[E]{partition: m.schema.PartitionOf(e), row: m.schema.RowOf(e), value: clone(e)}
	return nil
}

func (m *MemoryTable[E]) Get(ctx context.Context, partition, row string) (*E, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rows[key(partition, row)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r.value), nil
}

func (m *MemoryTable[E]) Update(ctx context.Context, e *E) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(m.schema.PartitionOf(e), m.schema.RowOf(e))
	r, ok := m.rows[k]
	if !ok {
		return ErrNotFound
	}
	if m.schema.GetETag(r.value) != m.schema.GetETag(e) {
		return ErrConflict
	}
	m.schema.SetETag(e, uuid.New().String())
	m.rows[k] = &memoryRow[E]{partition: r.partition, row: r.row, value: clone(e)}
	return nil
}

func (m *MemoryTable[E]) Delete(ctx context.Context, partition, row string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key(partition, row))
	return nil
}

func (m *MemoryTable[E]) ListPartition(ctx context.Context, partition string) ([]*E, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*E, 0)
	for _, r := range m.rows {
		if r.partition == partition {
			out = append(out, clone(r.value))
		}
	}
	return out, nil
}

func (m *MemoryTable[E]) Scan(ctx context.Context, keep func(*E) bool) ([]*E, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*E, 0)
	for _, r := range m.rows {
		if keep == nil || keep(r.value) {
			out = append(out, clone(r.value))
		}
	}
	return out, nil
}

var _ Table[struct{}] = (*MemoryTable[struct{}])(nil)
