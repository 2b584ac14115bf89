package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"denim/internal/metadata"
)

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// ColumnType maps a column type to the database DDL type.
	ColumnType(t metadata.ColumnType) string

	// SequenceColumn returns the DDL of the column that records insertion
	// order, or "" when the database keeps one implicitly.
	SequenceColumn() string

	// OrderExpr returns the expression ordering rows by insertion.
	OrderExpr() string

	// SystemTablesSQL returns the DDL for the engine's own tables.
	SystemTablesSQL() string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error)

	// GetColumns returns existing column names and types for a table.
	GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error)

	// IntervalDeleteExpr returns SQL for deleting rows older than N days.
	IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string

	// TimeParam encodes a date-time for storage.
	TimeParam(t time.Time) any

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any

	// Count returns the number of parameters added so far.
	Count() int
}

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

// QuoteIdent quotes a table or column name. Column names of app definitions
// are free text and may contain spaces.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TableName derives the SQL table name of a table: its id, lowercased, with
// every character outside [a-z0-9_] replaced by an underscore.
func TableName(t *metadata.Table) string {
	var b strings.Builder
	for _, r := range strings.ToLower(t.Key()) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "t_" + b.String()
}

type paramBuilder struct {
	params []any
	format func(n int) string
}

func (p *paramBuilder) Add(v any) string {
	p.params = append(p.params, v)
	return p.format(len(p.params))
}

func (p *paramBuilder) Params() []any { return p.params }
func (p *paramBuilder) Count() int    { return len(p.params) }

func dollarPlaceholder(n int) string   { return fmt.Sprintf("$%d", n) }
func questionPlaceholder(n int) string { return fmt.Sprintf("?%d", n) }
