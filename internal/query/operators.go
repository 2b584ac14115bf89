package query

import (
	"fmt"
	"slices"

	"denim/internal/metadata"
)

var (
	textOperators = []metadata.Operator{
		metadata.OpEquals, metadata.OpDoesNotEqual,
		metadata.OpContains, metadata.OpDoesNotContain,
		metadata.OpNull, metadata.OpNotNull,
	}
	orderedOperators = []metadata.Operator{
		metadata.OpEquals, metadata.OpDoesNotEqual,
		metadata.OpGreaterThan, metadata.OpGreaterThanOrEqual,
		metadata.OpLessThan, metadata.OpLessThanOrEqual,
		metadata.OpNull, metadata.OpNotNull,
	}
	equalityOperators = []metadata.Operator{
		metadata.OpEquals, metadata.OpDoesNotEqual,
		metadata.OpNull, metadata.OpNotNull,
	}
	membershipOperators = []metadata.Operator{
		metadata.OpContains, metadata.OpDoesNotContain,
		metadata.OpNull, metadata.OpNotNull,
	}
)

// ValidOperatorsFor returns the operators a condition on col may use.
func ValidOperatorsFor(col *metadata.Column) []metadata.Operator {
	var ops []metadata.Operator
	switch t := col.Type.(type) {
	case metadata.NumberType, metadata.DateTimeType:
		ops = orderedOperators
	case metadata.BooleanType, metadata.SelectType:
		ops = equalityOperators
	case metadata.MultiSelectType:
		ops = membershipOperators
	case metadata.ForeignKeyType:
		if t.Multiple {
			ops = membershipOperators
		} else {
			ops = equalityOperators
		}
	default:
		ops = textOperators
	}
	return slices.Clone(ops)
}

// ValidateCondition checks that every leaf of cond names a known field and an
// operator legal for that field's column type.
func ValidateCondition(table *metadata.Table, cond *metadata.Condition) error {
	if cond == nil {
		return nil
	}
	if cond.IsGroup() {
		if cond.Type != metadata.GroupAnd && cond.Type != metadata.GroupOr {
			return fmt.Errorf("%w: group type %q", ErrUnknownOperator, cond.Type)
		}
		for _, child := range cond.Conditions {
			if err := ValidateCondition(table, child); err != nil {
				return err
			}
		}
		return nil
	}
	if cond.Field == "" && cond.Operator == "" {
		return nil
	}
	col, err := ColumnFor(table, cond.Field)
	if err != nil {
		return err
	}
	if !slices.Contains(metadata.AllOperators, cond.Operator) {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
	}
	if !slices.Contains(ValidOperatorsFor(col), cond.Operator) {
		return fmt.Errorf("%w: %s does not apply to %s.%s (%s)",
			ErrUnknownOperator, cond.Operator, table.Name, cond.Field, col.Type.Kind())
	}
	return nil
}
