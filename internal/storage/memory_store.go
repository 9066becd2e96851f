package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process RecordStore. ConditionalUpdate is atomic
// within the process only, so it backs tests and single-instance runs.
type MemoryStore struct {
	mu    sync.RWMutex
	colls map[string]map[string]Doc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{colls: make(map[string]map[string]Doc)}
}

func (m *MemoryStore) Get(_ context.Context, collection, key string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.colls[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return normalizeDoc(d), nil
}

func (m *MemoryStore) Query(_ context.Context, collection, field string, value any) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll := m.colls[collection]
	keys := make([]string, 0, len(coll))
	for k := range coll {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := normalize(value)
	out := make([]Doc, 0)
	for _, k := range keys {
		d := coll[k]
		if v, ok := d[field]; ok && valuesEqual(v, want) {
			out = append(out, normalizeDoc(d))
		}
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, collection, key string, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.colls[collection]
	if !ok {
		coll = make(map[string]Doc)
		m.colls[collection] = coll
	}
	coll[key] = normalizeDoc(doc)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, collection, key string, fields Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.colls[collection][key]
	if !ok {
		return ErrNotFound
	}
	merge(d, normalizeDoc(fields))
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.colls[collection], key)
	return nil
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, collection, key, field string, expected any, fields Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.colls[collection][key]
	if !ok {
		return ErrNotFound
	}
	if !valuesEqual(d[field], expected) {
		return ErrConflict
	}
	merge(d, normalizeDoc(fields))
	return nil
}
