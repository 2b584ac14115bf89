package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/query"
)

// MemoryBackend keeps records in process memory in insertion order. Records
// are cloned on the way in and out so callers never share state with the
// store.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
}

type memoryTable struct {
	byID  map[string]metadata.Record
	order []string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]*memoryTable)}
}

func (b *MemoryBackend) table(key string) *memoryTable {
	t, ok := b.tables[key]
	if !ok {
		t = &memoryTable{byID: make(map[string]metadata.Record)}
		b.tables[key] = t
	}
	return t
}

func (b *MemoryBackend) Retrieve(_ context.Context, table *metadata.Table, id string) (metadata.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tables[table.Key()]
	if !ok {
		return nil, nil
	}
	rec, ok := t.byID[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (b *MemoryBackend) Query(_ context.Context, table *metadata.Table, q *metadata.Query) ([]metadata.Record, error) {
	b.mu.RLock()
	var all []metadata.Record
	if t, ok := b.tables[table.Key()]; ok {
		all = make([]metadata.Record, 0, len(t.order))
		for _, id := range t.order {
			all = append(all, t.byID[id].Clone())
		}
	}
	b.mu.RUnlock()
	return query.Apply(table, all, q)
}

func (b *MemoryBackend) Save(_ context.Context, table *metadata.Table, rec metadata.Record) (metadata.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(table.Key())

	id := rec.ID()
	if id == "" {
		id = uuid.NewString()
		stored := rec.Clone()
		stored["id"] = id
		t.byID[id] = stored
		t.order = append(t.order, id)
		return stored.Clone(), nil
	}

	stored, ok := t.byID[id]
	if !ok {
		return nil, engine.ErrRecordNotFound
	}
	for k, v := range rec {
		if v == nil {
			delete(stored, k)
			continue
		}
		stored[k] = v
	}
	stored["id"] = id
	return stored.Clone(), nil
}

func (b *MemoryBackend) Delete(_ context.Context, table *metadata.Table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[table.Key()]
	if !ok {
		return engine.ErrRecordNotFound
	}
	if _, ok := t.byID[id]; !ok {
		return engine.ErrRecordNotFound
	}
	delete(t.byID, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Seed stores records with their given ids, replacing any with the same id.
func (b *MemoryBackend) Seed(table *metadata.Table, recs ...metadata.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(table.Key())
	for _, rec := range recs {
		id := rec.ID()
		if id == "" {
			id = uuid.NewString()
		}
		stored := rec.Clone()
		stored["id"] = id
		if _, exists := t.byID[id]; !exists {
			t.order = append(t.order, id)
		}
		t.byID[id] = stored
	}
}

var _ engine.Backend = (*MemoryBackend)(nil)
