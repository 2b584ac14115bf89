package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denim/internal/engine"
	"denim/internal/metadata"
)

func saveEmployees(t *testing.T, b *SQLBackend, emp *metadata.Table, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for i, name := range names {
		saved, err := b.Save(context.Background(), emp, metadata.Record{
			"Name": name,
			"Age":  float64(20 + 10*i),
		})
		require.NoError(t, err)
		ids = append(ids, saved.ID())
	}
	return ids
}

func names(recs []metadata.Record) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i], _ = rec["Name"].(string)
	}
	return out
}

func TestSQLBackend_SaveAndRetrieve(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	ctx := context.Background()

	saved, err := b.Save(ctx, emp, metadata.Record{
		"Name":       "Ann",
		"Age":        41.0,
		"Active":     true,
		"Level":      "Senior",
		"Skills":     []string{"Go", "SQL"},
		"Start Date": startDate,
		"Department": &metadata.RelatedRecord{ID: "d1"},
		"Mentors": &metadata.RelatedRecordCollection{Records: []*metadata.RelatedRecord{
			{ID: "m1"}, {ID: "m2"},
		}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID())

	got, err := b.Retrieve(ctx, emp, saved.ID())
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "Ann", got["Name"])
	assert.Equal(t, 41.0, got["Age"])
	assert.Equal(t, true, got["Active"])
	assert.Equal(t, "Senior", got["Level"])
	assert.Equal(t, []string{"Go", "SQL"}, got["Skills"])
	start, ok := got["Start Date"].(time.Time)
	require.True(t, ok)
	assert.True(t, startDate.Equal(start))
	assert.Equal(t, "d1", got["Department"].(*metadata.RelatedRecord).ID)
	assert.Equal(t, []string{"m1", "m2"}, got["Mentors"].(*metadata.RelatedRecordCollection).IDs())
}

func TestSQLBackend_RetrieveMissing(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	got, err := b.Retrieve(context.Background(), emp, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLBackend_UpdateWritesGivenFieldsOnly(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	ctx := context.Background()
	ids := saveEmployees(t, b, emp, "Ann")

	saved, err := b.Save(ctx, emp, metadata.Record{"id": ids[0], "Age": 55.0})
	require.NoError(t, err)
	assert.Equal(t, "Ann", saved["Name"])
	assert.Equal(t, 55.0, saved["Age"])

	saved, err = b.Save(ctx, emp, metadata.Record{"id": ids[0], "Age": nil})
	require.NoError(t, err)
	_, present := saved["Age"]
	assert.False(t, present)

	_, err = b.Save(ctx, emp, metadata.Record{"id": "missing", "Age": 1.0})
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)
}

func TestSQLBackend_QueryPushdownPaginates(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	saveEmployees(t, b, emp, "Ann", "Bob", "Carl", "Dora", "Eve")

	q := &metadata.Query{
		Conditions: metadata.Where("Age", metadata.OpGreaterThan, metadata.Lit(30)),
		PageSize:   2,
	}
	recs, err := b.Query(context.Background(), emp, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"Carl", "Dora"}, names(recs))

	q.Page = 2
	recs, err = b.Query(context.Background(), emp, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"Eve"}, names(recs))
}

func TestSQLBackend_QueryOrGroup(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	ids := saveEmployees(t, b, emp, "Ann", "Bob", "Carl")

	recs, err := b.Query(context.Background(), emp, &metadata.Query{
		Conditions: metadata.Or(
			metadata.Where("id", metadata.OpEquals, metadata.Lit(ids[2])),
			metadata.Where("Name", metadata.OpEquals, metadata.Lit("Ann")),
		),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Carl"}, names(recs))
}

func TestSQLBackend_QueryFallsBackToLocalEvaluation(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	ctx := context.Background()
	saveEmployees(t, b, emp, "Ann", "Anna", "Bob", "Joanne")

	recs, err := b.Query(ctx, emp, &metadata.Query{
		Conditions: metadata.And(
			metadata.Where("Name", metadata.OpContains, metadata.Lit("nn")),
			metadata.Where("Age", metadata.OpGreaterThanOrEqual, metadata.Lit(30)),
		),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Anna", "Joanne"}, names(recs))
}

func TestSQLBackend_QueryMultiSelectAndNull(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	ctx := context.Background()
	for _, rec := range []metadata.Record{
		{"Name": "Ann", "Skills": []string{"Go"}},
		{"Name": "Bob", "Skills": []string{"SQL"}},
		{"Name": "Carl"},
	} {
		_, err := b.Save(ctx, emp, rec)
		require.NoError(t, err)
	}

	recs, err := b.Query(ctx, emp, &metadata.Query{
		Conditions: metadata.Where("Skills", metadata.OpContains, metadata.Lit("Go")),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann"}, names(recs))

	recs, err = b.Query(ctx, emp, &metadata.Query{
		Conditions: metadata.Where("Age", metadata.OpNull, metadata.Lit(nil)),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Bob", "Carl"}, names(recs))
}

func TestSQLBackend_QueryUnknownFieldFails(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	_, err := b.Query(context.Background(), emp, &metadata.Query{
		Conditions: metadata.Where("Salary", metadata.OpEquals, metadata.Lit(1)),
	})
	assert.Error(t, err)
}

func TestSQLBackend_Delete(t *testing.T) {
	b, _, emp := newSQLBackend(t)
	ctx := context.Background()
	ids := saveEmployees(t, b, emp, "Ann")

	require.NoError(t, b.Delete(ctx, emp, ids[0]))
	got, err := b.Retrieve(ctx, emp, ids[0])
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, b.Delete(ctx, emp, ids[0]), engine.ErrRecordNotFound)
}

func TestMigrator_AddsMissingColumns(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	dept, _ := testTables()
	m := NewMigrator(s)
	require.NoError(t, m.Migrate(ctx, dept))

	dept.Columns = append(dept.Columns, metadata.Column{Name: "Budget", Type: metadata.NumberType{}})
	require.NoError(t, m.Migrate(ctx, dept))

	cols, err := s.Dialect.GetColumns(ctx, s.DB, TableName(dept))
	require.NoError(t, err)
	assert.Contains(t, cols, "Budget")
	assert.Contains(t, cols, "id")
}

func TestBuildWhere(t *testing.T) {
	_, emp := testTables()

	tests := []struct {
		name   string
		cond   *metadata.Condition
		sql    string
		exact  bool
		params []any
	}{
		{
			name:   "leaf",
			cond:   metadata.Where("Age", metadata.OpGreaterThanOrEqual, metadata.Lit(30)),
			sql:    `"Age" >= $1`,
			exact:  true,
			params: []any{30.0},
		},
		{
			name:   "does not equal keeps nulls",
			cond:   metadata.Where("Level", metadata.OpDoesNotEqual, metadata.Lit("Junior")),
			sql:    `("Level" IS NULL OR "Level" <> $1)`,
			exact:  true,
			params: []any{"Junior"},
		},
		{
			name: "and with local part",
			cond: metadata.And(
				metadata.Where("Age", metadata.OpLessThan, metadata.Lit(50)),
				metadata.Where("Name", metadata.OpContains, metadata.Lit("a")),
			),
			sql:    `("Age" < $1)`,
			exact:  false,
			params: []any{50.0},
		},
		{
			name: "or with local part",
			cond: metadata.Or(
				metadata.Where("Age", metadata.OpLessThan, metadata.Lit(50)),
				metadata.Where("Name", metadata.OpContains, metadata.Lit("a")),
			),
			sql:   "",
			exact: false,
		},
		{
			name: "rejected branch leaves no parameters",
			cond: metadata.And(
				metadata.Or(
					metadata.Where("Age", metadata.OpEquals, metadata.Lit(1)),
					metadata.Where("Skills", metadata.OpContains, metadata.Lit("Go")),
				),
				metadata.Where("Name", metadata.OpEquals, metadata.Lit("Ann")),
			),
			sql:    `("Name" = $1)`,
			exact:  false,
			params: []any{"Ann"},
		},
		{
			name:  "caller placeholder",
			cond:  metadata.Where("Department", metadata.OpEquals, metadata.CallerField("Department")),
			sql:   "",
			exact: false,
		},
		{
			name:   "single reference",
			cond:   metadata.Where("Department", metadata.OpEquals, metadata.Lit(map[string]any{"id": "d1"})),
			sql:    `"Department" = $1`,
			exact:  true,
			params: []any{"d1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb := (&PostgresDialect{}).NewParamBuilder()
			sql, exact := buildWhere(emp, tt.cond, pb)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.exact, exact)
			assert.Equal(t, tt.params, pb.Params())
		})
	}
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "t_leave_request", TableName(&metadata.Table{Name: "Leave Request", ID: "Leave Request"}))
	assert.Equal(t, "t_emp", TableName(&metadata.Table{Name: "Employee", ID: "emp"}))
}
