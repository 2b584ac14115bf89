package engine

import (
	"context"
	"fmt"
	"sync"

	"denim/internal/metadata"
)

// Backend is the storage adapter contract. Adapters may filter natively or
// fall back to query.Apply over an unfiltered fetch.
type Backend interface {
	// Retrieve returns the record, or nil when it does not exist.
	Retrieve(ctx context.Context, table *metadata.Table, id string) (metadata.Record, error)
	Query(ctx context.Context, table *metadata.Table, q *metadata.Query) ([]metadata.Record, error)
	// Save inserts when the record has no id, otherwise writes the given
	// fields of the existing record. It returns the stored record.
	Save(ctx context.Context, table *metadata.Table, rec metadata.Record) (metadata.Record, error)
	Delete(ctx context.Context, table *metadata.Table, id string) error
}

// BackendSet routes tables to adapters by Table.Backend, with a default.
type BackendSet struct {
	mu       sync.RWMutex
	fallback Backend
	named    map[string]Backend
}

func NewBackendSet(fallback Backend) *BackendSet {
	return &BackendSet{fallback: fallback, named: make(map[string]Backend)}
}

// Register binds a named adapter.
func (s *BackendSet) Register(name string, b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.named[name] = b
}

// For returns the adapter serving table.
func (s *BackendSet) For(table *metadata.Table) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if table.Backend == "" {
		if s.fallback == nil {
			return nil, fmt.Errorf("no default backend for table %s", table.Name)
		}
		return s.fallback, nil
	}
	b, ok := s.named[table.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q for table %s", table.Backend, table.Name)
	}
	return b, nil
}
