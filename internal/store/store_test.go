package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"denim/internal/config"
	"denim/internal/metadata"
)

func testTables() (dept, emp *metadata.Table) {
	dept = &metadata.Table{
		ID: "dept", Name: "Department", NameField: "Name",
		Columns: []metadata.Column{
			{Name: "Name", Type: metadata.TextType{}},
		},
	}
	emp = &metadata.Table{
		ID: "emp", Name: "Employee", NameField: "Name",
		Columns: []metadata.Column{
			{Name: "Name", Type: metadata.TextType{}},
			{Name: "Age", Type: metadata.NumberType{}},
			{Name: "Active", Type: metadata.BooleanType{}},
			{Name: "Level", Type: metadata.SelectType{Options: []string{"Junior", "Senior"}}},
			{Name: "Skills", Type: metadata.MultiSelectType{Options: []string{"Go", "SQL"}}},
			{Name: "Start Date", Type: metadata.DateTimeType{IncludesTime: true}},
			{Name: "Department", Type: metadata.ForeignKeyType{ForeignTable: "dept"}},
			{Name: "Mentors", Type: metadata.ForeignKeyType{ForeignTable: "emp", Multiple: true}},
		},
	}
	return dept, emp
}

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "test"}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))
	return s
}

// newSQLBackend returns a backend over a fresh SQLite database with the test
// tables migrated.
func newSQLBackend(t *testing.T) (*SQLBackend, *metadata.Table, *metadata.Table) {
	t.Helper()
	s := newSQLiteStore(t)
	dept, emp := testTables()
	m := NewMigrator(s)
	require.NoError(t, m.Migrate(context.Background(), dept))
	require.NoError(t, m.Migrate(context.Background(), emp))
	return NewSQLBackend(s), dept, emp
}

var startDate = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
