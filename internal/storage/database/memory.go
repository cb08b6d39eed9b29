package database

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemDB is an in-memory DB implementation used by tests and by standalone
// runs that do not need durability.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) Read(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *MemDB) Write(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	val := make([]byte, len(value))
	copy(val, value)
	m.data[string(key)] = val
	return nil
}

func (m *MemDB) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, string(key))
	return nil
}

func (m *MemDB) Batch(ctx context.Context, ops []BatchOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		switch op.Type {
		case BatchPut:
			val := make([]byte, len(op.Value))
			copy(val, op.Value)
			m.data[string(op.Key)] = val
		case BatchDelete:
			delete(m.data, string(op.Key))
		default:
			return ErrBatchOperationFailed
		}
	}
	return nil
}

type memIterator struct {
	keys   []string
	values [][]byte
	pos    int
}

func (m *MemDB) Iterator(ctx context.Context, start, end []byte) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		val := make([]byte, len(m.data[k]))
		copy(val, m.data[k])
		values[i] = val
	}

	return &memIterator{keys: keys, values: values, pos: -1}, nil
}

func (it *memIterator) Next() bool {
	if it.pos+1 >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *memIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte { return it.values[it.pos] }
func (it *memIterator) Error() error  { return nil }
func (it *memIterator) Close() error  { return nil }
