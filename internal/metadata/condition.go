package metadata

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type Operator string

const (
	OpEquals             Operator = "equals"
	OpDoesNotEqual       Operator = "does_not_equal"
	OpContains           Operator = "contains"
	OpDoesNotContain     Operator = "does_not_contain"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpNull               Operator = "null"
	OpNotNull            Operator = "not_null"
)

// AllOperators lists every operator the query evaluator understands.
var AllOperators = []Operator{
	OpEquals, OpDoesNotEqual, OpContains, OpDoesNotContain,
	OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual,
	OpNull, OpNotNull,
}

type GroupType string

const (
	GroupAnd GroupType = "AND"
	GroupOr  GroupType = "OR"
)

// callerKey marks a caller-relative placeholder in definitions: {$user: field}.
const callerKey = "$user"

// Value is the right-hand side of a condition: either a literal or a field of
// the calling user's own record, resolved before evaluation.
type Value struct {
	Literal     any
	CallerField string
}

// Lit builds a literal value.
func Lit(v any) Value { return Value{Literal: v} }

// CallerField builds a placeholder resolved against the caller's record.
func CallerField(field string) Value { return Value{CallerField: field} }

// IsCaller reports whether the value still needs substitution.
func (v Value) IsCaller() bool { return v.CallerField != "" }

func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsCaller() {
		return json.Marshal(map[string]string{callerKey: v.CallerField})
	}
	return json.Marshal(v.Literal)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = valueFromRaw(raw)
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	if v.IsCaller() {
		return map[string]string{callerKey: v.CallerField}, nil
	}
	return v.Literal, nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*v = valueFromRaw(raw)
	return nil
}

func valueFromRaw(raw any) Value {
	if m, ok := raw.(map[string]any); ok && len(m) == 1 {
		if field, ok := m[callerKey].(string); ok {
			return Value{CallerField: field}
		}
	}
	return Value{Literal: raw}
}

// Condition is one node of a condition tree: a group when Type is set,
// otherwise a leaf comparing Field with Value.
type Condition struct {
	Type       GroupType    `json:"type,omitempty" yaml:"type,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    Value    `json:"value,omitzero" yaml:"value,omitempty"`
}

// Where builds a leaf condition.
func Where(field string, op Operator, value Value) *Condition {
	return &Condition{Field: field, Operator: op, Value: value}
}

// And builds an AND group.
func And(conds ...*Condition) *Condition {
	return &Condition{Type: GroupAnd, Conditions: conds}
}

// Or builds an OR group.
func Or(conds ...*Condition) *Condition {
	return &Condition{Type: GroupOr, Conditions: conds}
}

func (c *Condition) IsGroup() bool {
	return c != nil && c.Type != ""
}

// IsEmpty reports whether the tree carries no constraint at all.
func (c *Condition) IsEmpty() bool {
	if c == nil {
		return true
	}
	if c.IsGroup() {
		return len(c.Conditions) == 0
	}
	return c.Field == "" && c.Operator == ""
}

// Fields returns every field referenced by the tree.
func (c *Condition) Fields() []string {
	if c == nil {
		return nil
	}
	if !c.IsGroup() {
		if c.Field == "" {
			return nil
		}
		return []string{c.Field}
	}
	var fields []string
	for _, child := range c.Conditions {
		fields = append(fields, child.Fields()...)
	}
	return fields
}

// Clone returns a deep copy of the tree.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Conditions != nil {
		cp.Conditions = make([]*Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			cp.Conditions[i] = child.Clone()
		}
	}
	return &cp
}

func (c *Condition) String() string {
	if c == nil {
		return "<nil>"
	}
	if !c.IsGroup() {
		return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value.Literal)
	}
	s := "("
	for i, child := range c.Conditions {
		if i > 0 {
			s += " " + string(c.Type) + " "
		}
		s += child.String()
	}
	return s + ")"
}

// Query is a condition tree plus paging and expansion instructions.
type Query struct {
	Conditions  *Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Page        int        `json:"page,omitempty" yaml:"page,omitempty"`
	PageSize    int        `json:"pageSize,omitempty" yaml:"pageSize,omitempty"`
	Expand      []string   `json:"expand,omitempty" yaml:"expand,omitempty"`
	RetrieveAll bool       `json:"retrieveAll,omitempty" yaml:"retrieveAll,omitempty"`
}

// Clone returns a copy of the query with a deep-copied condition tree.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	cp := *q
	cp.Conditions = q.Conditions.Clone()
	if q.Expand != nil {
		cp.Expand = append([]string(nil), q.Expand...)
	}
	return &cp
}
