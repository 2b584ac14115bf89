package query

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"denim/internal/metadata"
)

var (
	ErrUnknownField    = errors.New("unknown field")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrUnresolvedValue = errors.New("unresolved caller placeholder")
)

// idColumn describes the implicit id field every record carries.
var idColumn = &metadata.Column{Name: "id", Label: "ID", Type: metadata.ReadOnlyType{}}

// ColumnFor resolves a condition field to its column. "id" resolves to an
// implicit read-only column when the table does not declare one.
func ColumnFor(table *metadata.Table, field string) (*metadata.Column, error) {
	if col := table.Column(field); col != nil {
		return col, nil
	}
	if field == "id" {
		return idColumn, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, table.Name, field)
}

// Matches evaluates cond against rec. A nil or empty condition matches every
// record. Unknown fields and operators are configuration errors and are
// returned rather than treated as a non-match.
func Matches(table *metadata.Table, rec metadata.Record, cond *metadata.Condition) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if cond.IsGroup() {
		return matchGroup(table, rec, cond)
	}
	if cond.Field == "" && cond.Operator == "" {
		return true, nil
	}
	return matchLeaf(table, rec, cond)
}

func matchGroup(table *metadata.Table, rec metadata.Record, group *metadata.Condition) (bool, error) {
	switch group.Type {
	case metadata.GroupAnd:
		for _, child := range group.Conditions {
			ok, err := Matches(table, rec, child)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case metadata.GroupOr:
		for _, child := range group.Conditions {
			ok, err := Matches(table, rec, child)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: group type %q", ErrUnknownOperator, group.Type)
}

func matchLeaf(table *metadata.Table, rec metadata.Record, cond *metadata.Condition) (bool, error) {
	col, err := ColumnFor(table, cond.Field)
	if err != nil {
		return false, err
	}
	if cond.Value.IsCaller() {
		return false, fmt.Errorf("%w: %s", ErrUnresolvedValue, cond.Value.CallerField)
	}

	actual := Normalize(col, rec[cond.Field])
	operand := NormalizeOperand(col, cond.Value.Literal)

	switch cond.Operator {
	case metadata.OpNull:
		return isNull(actual), nil
	case metadata.OpNotNull:
		return !isNull(actual), nil
	case metadata.OpEquals:
		return equals(col, actual, operand), nil
	case metadata.OpDoesNotEqual:
		return !equals(col, actual, operand), nil
	case metadata.OpContains:
		return contains(actual, operand), nil
	case metadata.OpDoesNotContain:
		return !contains(actual, operand), nil
	case metadata.OpGreaterThan:
		c, ok := compare(actual, operand)
		return ok && c > 0, nil
	case metadata.OpGreaterThanOrEqual:
		c, ok := compare(actual, operand)
		return ok && (c >= 0 || sameDay(actual, operand)), nil
	case metadata.OpLessThan:
		c, ok := compare(actual, operand)
		return ok && c < 0, nil
	case metadata.OpLessThanOrEqual:
		c, ok := compare(actual, operand)
		return ok && (c <= 0 || sameDay(actual, operand)), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
}

func isNull(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case []string:
		return len(tv) == 0
	}
	return false
}

func equals(col *metadata.Column, actual, operand any) bool {
	if actual == nil || operand == nil {
		return isNull(actual) && operand == nil
	}
	switch a := actual.(type) {
	case []string:
		switch o := operand.(type) {
		case []string:
			return equalStrings(a, o)
		case string:
			return len(a) == 1 && a[0] == o
		}
		return false
	case time.Time:
		o, ok := operand.(time.Time)
		if !ok {
			return false
		}
		if dt, isDate := col.Type.(metadata.DateTimeType); isDate && !dt.IncludesTime {
			return sameDate(a, o)
		}
		return a.Equal(o)
	}
	return actual == operand
}

func contains(actual, operand any) bool {
	if actual == nil || operand == nil {
		return false
	}
	switch a := actual.(type) {
	case []string:
		switch o := operand.(type) {
		case string:
			for _, item := range a {
				if item == o {
					return true
				}
			}
			return false
		case []string:
			for _, want := range o {
				found := false
				for _, item := range a {
					if item == want {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
			return true
		}
		return false
	case string:
		return strings.Contains(a, ToText(operand))
	}
	return false
}

// compare orders numbers, date-times and text. ok is false when the values
// are absent or of different kinds.
func compare(actual, operand any) (int, bool) {
	switch a := actual.(type) {
	case float64:
		o, ok := operand.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case a < o:
			return -1, true
		case a > o:
			return 1, true
		}
		return 0, true
	case time.Time:
		o, ok := operand.(time.Time)
		if !ok {
			return 0, false
		}
		return a.Compare(o), true
	case string:
		o, ok := operand.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(a, o), true
	}
	return 0, false
}

// sameDay implements the calendar semantics of the or-equal variants: two
// date-times on the same day satisfy them regardless of time of day.
func sameDay(actual, operand any) bool {
	a, ok := actual.(time.Time)
	if !ok {
		return false
	}
	o, ok := operand.(time.Time)
	if !ok {
		return false
	}
	return sameDate(a, o)
}
