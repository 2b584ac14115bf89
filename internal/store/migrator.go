package store

import (
	"context"
	"fmt"
	"strings"

	"denim/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate ensures the SQL table of table exists with a column for every
// declared column. Columns are only ever added.
func (m *Migrator) Migrate(ctx context.Context, table *metadata.Table) error {
	name := TableName(table)
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, name)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		return m.createTable(ctx, table)
	}
	return m.alterTable(ctx, table)
}

// MigrateAll migrates every table served by the SQL backend. Tables routed
// to another backend are skipped.
func (m *Migrator) MigrateAll(ctx context.Context, reg *metadata.Registry) error {
	for _, table := range reg.AllTables() {
		if table.Backend != "" && table.Backend != "sql" {
			continue
		}
		if err := m.Migrate(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, table *metadata.Table) error {
	cols := []string{QuoteIdent("id") + " TEXT PRIMARY KEY"}
	if seq := m.store.Dialect.SequenceColumn(); seq != "" {
		cols = append(cols, seq)
	}
	for i := range table.Columns {
		col := &table.Columns[i]
		if col.Name == "id" {
			continue
		}
		cols = append(cols, m.columnDef(col))
	}

	name := TableName(table)
	sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", QuoteIdent(name), strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	m.store.logger.Infow("table created", "table", table.Name, "sql_table", name)
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, table *metadata.Table) error {
	name := TableName(table)
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, name)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", name, err)
	}

	for i := range table.Columns {
		col := &table.Columns[i]
		if _, ok := existing[col.Name]; ok || col.Name == "id" {
			continue
		}
		sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(name), m.columnDef(col))
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("add column %s.%s: %w", name, col.Name, err)
		}
		m.store.logger.Infow("column added", "table", table.Name, "column", col.Name)
	}
	return nil
}

// columnDef never adds NOT NULL: required columns are enforced by the
// validator, and existing rows must survive new required columns.
func (m *Migrator) columnDef(col *metadata.Column) string {
	return QuoteIdent(col.Name) + " " + m.store.Dialect.ColumnType(col.Type)
}
