package engine

import (
	"context"
	"fmt"
	"sync"

	"denim/internal/metadata"
	"denim/internal/query"
)

// fakeBackend is an in-memory Backend that records every call.
type fakeBackend struct {
	mu      sync.Mutex
	tables  map[string]map[string]metadata.Record
	order   map[string][]string
	nextID  int
	queries map[string][]*metadata.Query
	saves   []metadata.Record
	deletes []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tables:  make(map[string]map[string]metadata.Record),
		order:   make(map[string][]string),
		queries: make(map[string][]*metadata.Query),
	}
}

func (b *fakeBackend) seed(table string, recs ...metadata.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables[table] == nil {
		b.tables[table] = make(map[string]metadata.Record)
	}
	for _, rec := range recs {
		id := rec.ID()
		b.tables[table][id] = rec.Clone()
		b.order[table] = append(b.order[table], id)
	}
}

func (b *fakeBackend) queryCount(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queries[table])
}

func (b *fakeBackend) Retrieve(_ context.Context, table *metadata.Table, id string) (metadata.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.tables[table.Name][id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (b *fakeBackend) Query(_ context.Context, table *metadata.Table, q *metadata.Query) ([]metadata.Record, error) {
	b.mu.Lock()
	b.queries[table.Name] = append(b.queries[table.Name], q.Clone())
	var all []metadata.Record
	for _, id := range b.order[table.Name] {
		if rec, ok := b.tables[table.Name][id]; ok {
			all = append(all, rec.Clone())
		}
	}
	b.mu.Unlock()
	return query.Apply(table, all, q)
}

func (b *fakeBackend) Save(_ context.Context, table *metadata.Table, rec metadata.Record) (metadata.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves = append(b.saves, rec.Clone())
	if b.tables[table.Name] == nil {
		b.tables[table.Name] = make(map[string]metadata.Record)
	}
	id := rec.ID()
	if id == "" {
		b.nextID++
		id = fmt.Sprintf("%s-%d", table.Name, b.nextID)
		stored := rec.Clone()
		stored["id"] = id
		b.tables[table.Name][id] = stored
		b.order[table.Name] = append(b.order[table.Name], id)
		return stored.Clone(), nil
	}
	stored, ok := b.tables[table.Name][id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	for k, v := range rec {
		stored[k] = v
	}
	return stored.Clone(), nil
}

func (b *fakeBackend) Delete(_ context.Context, table *metadata.Table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tables[table.Name][id]; !ok {
		return ErrRecordNotFound
	}
	delete(b.tables[table.Name], id)
	b.deletes = append(b.deletes, id)
	return nil
}

func hrTables() []*metadata.Table {
	return []*metadata.Table{
		{
			Name:      "Department",
			NameField: "Name",
			Columns: []metadata.Column{
				{Name: "Name", Label: "Name", Type: metadata.TextType{}, Required: true},
				{Name: "Manager", Label: "Manager", Type: metadata.ForeignKeyType{ForeignTable: "Employee"}},
			},
		},
		{
			Name:      "Employee",
			NameField: "Name",
			Columns: []metadata.Column{
				{Name: "Name", Label: "Name", Type: metadata.TextType{}, Required: true},
				{Name: "Age", Label: "Age", Type: metadata.NumberType{}},
				{Name: "Salary", Label: "Salary", Type: metadata.NumberType{}},
				{Name: "Active", Label: "Active", Type: metadata.BooleanType{}},
				{Name: "Level", Label: "Level", Type: metadata.SelectType{Options: []string{"Junior", "Senior"}}},
				{Name: "Start Date", Label: "Start Date", Type: metadata.DateTimeType{}},
				{Name: "Department", Label: "Department", Type: metadata.ForeignKeyType{ForeignTable: "Department"}},
				{Name: "Skills", Label: "Skills", Type: metadata.ForeignKeyType{ForeignTable: "Skill", Multiple: true}},
				{Name: "Created", Label: "Created", Type: metadata.ReadOnlyType{}},
			},
		},
		{
			Name:      "Skill",
			NameField: "Name",
			Columns: []metadata.Column{
				{Name: "Name", Label: "Name", Type: metadata.TextType{}},
			},
		},
	}
}

func newTestProvider(backend *fakeBackend) *Provider {
	reg := metadata.NewRegistry()
	if err := reg.Load(&metadata.AppDefinition{Name: "hr", Tables: hrTables()}); err != nil {
		panic(err)
	}
	return NewProvider(reg, NewBackendSet(backend), NewHooks(), nil, nil)
}

func seedHR(b *fakeBackend) {
	b.seed("Skill",
		metadata.Record{"id": "s1", "Name": "Go"},
		metadata.Record{"id": "s2", "Name": "SQL"},
	)
	b.seed("Department",
		metadata.Record{"id": "d1", "Name": "Sales", "Manager": "e1"},
		metadata.Record{"id": "d2", "Name": "Ops", "Manager": nil},
	)
	b.seed("Employee",
		metadata.Record{"id": "e1", "Name": "Ann", "Age": float64(41), "Salary": float64(900), "Department": "d1", "Skills": []any{"s1", "s2"}},
		metadata.Record{"id": "e2", "Name": "Bob", "Age": float64(30), "Salary": float64(500), "Department": "d1", "Skills": []any{"s1"}},
		metadata.Record{"id": "e3", "Name": "Carl", "Age": float64(25), "Salary": float64(400), "Department": "d2"},
		metadata.Record{"id": "e4", "Name": "Dora", "Age": float64(35), "Salary": float64(700), "Department": nil},
	)
}
