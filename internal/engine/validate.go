package engine

import (
	"fmt"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"denim/internal/metadata"
	"denim/internal/query"
)

// Validator checks a record against a compiled table schema. It returns the
// coerced record, or a VALIDATION_FAILED error carrying one detail per failing
// field.
type Validator interface {
	Validate(rec, existing metadata.Record, action metadata.Action) (metadata.Record, error)
}

// ValidatorCompiler builds a Validator for a table.
type ValidatorCompiler interface {
	Compile(table *metadata.Table) (Validator, error)
}

// SchemaCompiler compiles validators from the table's columns and rules.
type SchemaCompiler struct{}

func (SchemaCompiler) Compile(table *metadata.Table) (Validator, error) {
	rules, err := compileRules(table.Rules)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table.Name, err)
	}
	return &schemaValidator{table: table, rules: rules}, nil
}

type schemaValidator struct {
	table *metadata.Table
	rules []compiledRule
}

func (v *schemaValidator) Validate(rec, existing metadata.Record, action metadata.Action) (metadata.Record, error) {
	out := make(metadata.Record, len(rec))
	var errs []ErrorDetail

	for name, val := range rec {
		if name == "id" {
			out[name] = val
			continue
		}
		if !v.table.HasColumn(name) {
			errs = append(errs, ErrorDetail{Field: name, Rule: "unknown", Message: fmt.Sprintf("%s is not a column of %s", name, v.table.Name)})
		}
	}

	for i := range v.table.Columns {
		col := &v.table.Columns[i]
		val, present := rec[col.Name]
		if isBlank(val) {
			if col.Required {
				errs = append(errs, ErrorDetail{Field: col.Name, Rule: "required", Message: fmt.Sprintf("%s is required", col.Label)})
			}
			if present {
				out[col.Name] = nil
			}
			continue
		}
		coerced, detail := coerceValue(col, val)
		if detail != nil {
			errs = append(errs, *detail)
			continue
		}
		out[col.Name] = coerced
	}

	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}
	if ruleErrs := evaluateRules(v.rules, out, existing, action); len(ruleErrs) > 0 {
		return nil, ValidationError(ruleErrs)
	}
	return out, nil
}

func isBlank(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(tv) == ""
	case []any:
		return len(tv) == 0
	case []string:
		return len(tv) == 0
	case *metadata.RelatedRecord:
		return tv == nil
	case *metadata.RelatedRecordCollection:
		return tv == nil || len(tv.Records) == 0
	}
	return false
}

// coerceValue converts a wire value into the canonical Go value of the column.
func coerceValue(col *metadata.Column, v any) (any, *ErrorDetail) {
	invalid := func(msg string) *ErrorDetail {
		return &ErrorDetail{Field: col.Name, Rule: string(col.Type.Kind()), Message: fmt.Sprintf("%s %s", col.Label, msg)}
	}

	switch t := col.Type.(type) {
	case metadata.TextType:
		s, ok := v.(string)
		if !ok {
			return nil, invalid("must be text")
		}
		if !t.Long && strings.ContainsAny(s, "\r\n") {
			return nil, invalid("must be a single line")
		}
		return s, nil
	case metadata.NumberType:
		if _, isText := v.(string); isText {
			return nil, invalid("must be a number")
		}
		f, ok := query.ToFloat(v)
		if !ok {
			return nil, invalid("must be a number")
		}
		return f, nil
	case metadata.BooleanType:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid("must be true or false")
		}
		return b, nil
	case metadata.SelectType:
		s, ok := v.(string)
		if !ok || !slices.Contains(t.Options, s) {
			return nil, invalid(fmt.Sprintf("must be one of %s", strings.Join(t.Options, ", ")))
		}
		return s, nil
	case metadata.MultiSelectType:
		values := query.ToStrings(v)
		for _, s := range values {
			if !slices.Contains(t.Options, s) {
				return nil, invalid(fmt.Sprintf("has unknown option %q", s))
			}
		}
		return values, nil
	case metadata.DateTimeType:
		tm, ok := query.ParseTime(v)
		if !ok {
			return nil, invalid("must be a date")
		}
		if !t.IncludesTime {
			y, m, d := tm.Date()
			tm = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		}
		return tm, nil
	case metadata.ForeignKeyType:
		if t.Multiple {
			c := metadata.ToRelatedCollection(v)
			if c == nil {
				return nil, invalid("must reference records")
			}
			return c, nil
		}
		rr := metadata.ToRelatedRecord(v)
		if rr == nil {
			return nil, invalid("must reference a record")
		}
		return rr, nil
	case metadata.ReadOnlyType:
		return v, nil
	}
	return v, nil
}

// ValidatorCache holds compiled validators keyed by table id. It is owned by
// a Provider and purged when the schema is reloaded.
type ValidatorCache struct {
	compiler ValidatorCompiler
	cache    *lru.Cache[string, Validator]
}

func NewValidatorCache(compiler ValidatorCompiler, size int) (*ValidatorCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, Validator](size)
	if err != nil {
		return nil, fmt.Errorf("create validator cache: %w", err)
	}
	return &ValidatorCache{compiler: compiler, cache: c}, nil
}

// Get returns the validator for table, compiling it on first use. Concurrent
// first uses may compile twice; either result is equivalent.
func (c *ValidatorCache) Get(table *metadata.Table) (Validator, error) {
	if v, ok := c.cache.Get(table.Key()); ok {
		validatorCacheHits.Inc()
		return v, nil
	}
	validatorCacheMisses.Inc()
	v, err := c.compiler.Compile(table)
	if err != nil {
		return nil, err
	}
	c.cache.Add(table.Key(), v)
	return v, nil
}

// Purge drops every compiled validator.
func (c *ValidatorCache) Purge() {
	c.cache.Purge()
}

func (c *ValidatorCache) Len() int {
	return c.cache.Len()
}
