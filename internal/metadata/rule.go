package metadata

type RuleType string

const (
	RuleField      RuleType = "field"
	RuleExpression RuleType = "expression"
	RuleComputed   RuleType = "computed"
)

// RuleDefinition is the body of a rule.
type RuleDefinition struct {
	// Field rules
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`

	// Expression / computed rules
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Shared
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
	StopOnFail bool   `json:"stopOnFail,omitempty" yaml:"stopOnFail,omitempty"`
}

// Rule is a validation or computed rule attached to a table. Rules run inside
// the table's compiled validator, after the structural column checks.
type Rule struct {
	ID         string         `json:"id,omitempty" yaml:"id,omitempty"`
	Type       RuleType       `json:"type" yaml:"type"`
	On         []Action       `json:"on,omitempty" yaml:"on,omitempty"` // create, update; empty = both
	Definition RuleDefinition `json:"definition" yaml:"definition"`
	Priority   int            `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Compiled holds the compiled expression program (set at compile time, not serialized).
	Compiled any `json:"-" yaml:"-"`
}

// AppliesTo reports whether the rule runs for the given write action.
func (r *Rule) AppliesTo(action Action) bool {
	if len(r.On) == 0 {
		return true
	}
	for _, a := range r.On {
		if a == action {
			return true
		}
	}
	return false
}
