package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/query"
)

// SQLBackend stores each table in its own SQL table. Condition trees made of
// simple comparisons on scalar columns are pushed down as WHERE clauses;
// anything else is evaluated locally over the fetched rows.
type SQLBackend struct {
	store  *Store
	logger *zap.SugaredLogger
}

func NewSQLBackend(s *Store) *SQLBackend {
	return &SQLBackend{store: s, logger: s.logger}
}

func (b *SQLBackend) Retrieve(ctx context.Context, table *metadata.Table, id string) (metadata.Record, error) {
	d := b.store.Dialect
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		selectList(table), QuoteIdent(TableName(table)), QuoteIdent("id"), d.Placeholder(1))
	row, err := QueryRow(ctx, b.store.DB, sqlStr, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, d.MapError(err)
	}
	return decodeRow(table, row), nil
}

func (b *SQLBackend) Query(ctx context.Context, table *metadata.Table, q *metadata.Query) ([]metadata.Record, error) {
	if q == nil {
		q = &metadata.Query{}
	}
	d := b.store.Dialect
	pb := d.NewParamBuilder()

	where, exact := buildWhere(table, q.Conditions, pb)
	sqlStr := fmt.Sprintf("SELECT %s FROM %s", selectList(table), QuoteIdent(TableName(table)))
	if where != "" {
		sqlStr += " WHERE " + where
	}
	sqlStr += " ORDER BY " + d.OrderExpr()

	if exact && !q.RetrieveAll {
		page, size := query.PageBounds(q)
		limit := pb.Add(size)
		offset := pb.Add((page - 1) * size)
		sqlStr += fmt.Sprintf(" LIMIT %s OFFSET %s", limit, offset)
	}

	rows, err := QueryRows(ctx, b.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, d.MapError(err)
	}
	records := make([]metadata.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, decodeRow(table, row))
	}
	if exact {
		return records, nil
	}
	b.logger.Debugw("condition evaluated locally", "table", table.Name, "fetched", len(records))
	return query.Apply(table, records, q)
}

// Save inserts records without an id and updates the given fields of
// records with one.
func (b *SQLBackend) Save(ctx context.Context, table *metadata.Table, rec metadata.Record) (metadata.Record, error) {
	id := rec.ID()
	var err error
	if id == "" {
		id, err = b.insert(ctx, table, rec)
	} else {
		err = b.update(ctx, table, id, rec)
	}
	if err != nil {
		return nil, err
	}
	saved, err := b.Retrieve(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, engine.ErrRecordNotFound
	}
	return saved, nil
}

func (b *SQLBackend) insert(ctx context.Context, table *metadata.Table, rec metadata.Record) (string, error) {
	d := b.store.Dialect
	pb := d.NewParamBuilder()
	id := uuid.NewString()

	cols := []string{QuoteIdent("id")}
	phs := []string{pb.Add(id)}
	for i := range table.Columns {
		col := &table.Columns[i]
		v, ok := rec[col.Name]
		if !ok || col.Name == "id" {
			continue
		}
		enc, err := encodeValue(d, col, v)
		if err != nil {
			return "", err
		}
		cols = append(cols, QuoteIdent(col.Name))
		phs = append(phs, pb.Add(enc))
	}

	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(TableName(table)), strings.Join(cols, ", "), strings.Join(phs, ", "))
	if _, err := Exec(ctx, b.store.DB, sqlStr, pb.Params()...); err != nil {
		return "", d.MapError(err)
	}
	return id, nil
}

func (b *SQLBackend) update(ctx context.Context, table *metadata.Table, id string, rec metadata.Record) error {
	d := b.store.Dialect
	pb := d.NewParamBuilder()

	var sets []string
	for i := range table.Columns {
		col := &table.Columns[i]
		v, ok := rec[col.Name]
		if !ok || col.Name == "id" {
			continue
		}
		enc, err := encodeValue(d, col, v)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", QuoteIdent(col.Name), pb.Add(enc)))
	}
	if len(sets) == 0 {
		exists, err := b.Retrieve(ctx, table, id)
		if err != nil {
			return err
		}
		if exists == nil {
			return engine.ErrRecordNotFound
		}
		return nil
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		QuoteIdent(TableName(table)), strings.Join(sets, ", "), QuoteIdent("id"), pb.Add(id))
	n, err := Exec(ctx, b.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return d.MapError(err)
	}
	if n == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func (b *SQLBackend) Delete(ctx context.Context, table *metadata.Table, id string) error {
	d := b.store.Dialect
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		QuoteIdent(TableName(table)), QuoteIdent("id"), d.Placeholder(1))
	n, err := Exec(ctx, b.store.DB, sqlStr, id)
	if err != nil {
		return d.MapError(err)
	}
	if n == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func selectList(table *metadata.Table) string {
	cols := []string{QuoteIdent("id")}
	for _, name := range table.ColumnNames() {
		if name != "id" {
			cols = append(cols, QuoteIdent(name))
		}
	}
	return strings.Join(cols, ", ")
}

// decodeRow builds a record from a row. NULL columns are left out.
func decodeRow(table *metadata.Table, row map[string]any) metadata.Record {
	rec := metadata.Record{"id": query.ToText(row["id"])}
	for i := range table.Columns {
		col := &table.Columns[i]
		if col.Name == "id" {
			continue
		}
		v := row[col.Name]
		if v == nil {
			continue
		}
		rec[col.Name] = decodeValue(col, v)
	}
	return rec
}

// buildWhere renders cond as a WHERE expression. exact is false when part of
// the tree could not be rendered and the caller must filter locally; the
// returned expression then only narrows the candidate rows.
func buildWhere(table *metadata.Table, cond *metadata.Condition, pb ParamBuilder) (string, bool) {
	if cond.IsEmpty() {
		return "", true
	}
	if !cond.IsGroup() {
		return buildLeaf(table, cond, pb)
	}

	var parts []string
	exact := true
	for _, child := range cond.Conditions {
		if child.IsEmpty() {
			continue
		}
		// Render into a scratch builder first so a rejected OR branch does not
		// leave parameters behind.
		scratch := &paramBuilder{params: append([]any(nil), pb.Params()...), format: placeholderFormat(pb)}
		clause, ok := buildWhere(table, child, scratch)
		if cond.Type == metadata.GroupOr && (!ok || clause == "") {
			return "", false
		}
		if !ok {
			exact = false
		}
		if clause == "" {
			continue
		}
		for _, v := range scratch.Params()[pb.Count():] {
			pb.Add(v)
		}
		parts = append(parts, "("+clause+")")
	}
	if len(parts) == 0 {
		return "", exact
	}
	sep := " AND "
	if cond.Type == metadata.GroupOr {
		sep = " OR "
	}
	return strings.Join(parts, sep), exact
}

func placeholderFormat(pb ParamBuilder) func(int) string {
	if p, ok := pb.(*paramBuilder); ok {
		return p.format
	}
	return dollarPlaceholder
}

// buildLeaf renders one comparison when its local semantics can be expressed
// in SQL: equality and ordering on numbers, equality on text, select,
// boolean, single references and ids, and null checks on scalar columns.
func buildLeaf(table *metadata.Table, cond *metadata.Condition, pb ParamBuilder) (string, bool) {
	if cond.Value.IsCaller() {
		return "", false
	}
	col, err := query.ColumnFor(table, cond.Field)
	if err != nil {
		return "", false
	}

	numeric := false
	switch t := col.Type.(type) {
	case metadata.NumberType:
		numeric = true
	case metadata.TextType, metadata.SelectType, metadata.BooleanType:
	case metadata.ForeignKeyType:
		if t.Multiple {
			return "", false
		}
	case metadata.ReadOnlyType:
		if col.Name != "id" {
			return "", false
		}
	default:
		return "", false
	}

	field := QuoteIdent(col.Name)
	operand := query.NormalizeOperand(col, cond.Value.Literal)
	switch operand.(type) {
	case nil, string, float64, bool:
	default:
		return "", false
	}

	switch cond.Operator {
	case metadata.OpNull:
		return field + " IS NULL", true
	case metadata.OpNotNull:
		return field + " IS NOT NULL", true
	case metadata.OpEquals:
		if operand == nil {
			return field + " IS NULL", true
		}
		return fmt.Sprintf("%s = %s", field, pb.Add(operand)), true
	case metadata.OpDoesNotEqual:
		if operand == nil {
			return field + " IS NOT NULL", true
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", field, field, pb.Add(operand)), true
	}

	if !numeric {
		return "", false
	}
	if _, ok := operand.(float64); !ok {
		// a non-numeric operand never orders against a number
		return "1 = 0", true
	}
	var op string
	switch cond.Operator {
	case metadata.OpGreaterThan:
		op = ">"
	case metadata.OpGreaterThanOrEqual:
		op = ">="
	case metadata.OpLessThan:
		op = "<"
	case metadata.OpLessThanOrEqual:
		op = "<="
	default:
		return "", false
	}
	return fmt.Sprintf("%s %s %s", field, op, pb.Add(operand)), true
}

var _ engine.Backend = (*SQLBackend)(nil)
