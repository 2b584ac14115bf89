package engine

import (
	"fmt"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"denim/internal/metadata"
	"denim/internal/query"
)

// compiledRule pairs a rule with its compiled program. Field rules carry no
// program; pattern rules carry their compiled regexp.
type compiledRule struct {
	rule    *metadata.Rule
	program *vm.Program
	pattern *regexp.Regexp
}

// compileRules compiles every rule of a table, ordered by priority.
func compileRules(rules []*metadata.Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{rule: r}
		var err error
		switch r.Type {
		case metadata.RuleField:
			if r.Definition.Operator == "pattern" {
				pattern, ok := r.Definition.Value.(string)
				if !ok {
					return nil, fmt.Errorf("rule %s: pattern value must be a string", ruleName(r))
				}
				cr.pattern, err = regexp.Compile(pattern)
			}
		case metadata.RuleExpression:
			cr.program, err = CompileExpression(r.Definition.Expression)
		case metadata.RuleComputed:
			cr.program, err = CompileComputedExpression(r.Definition.Expression)
		default:
			err = fmt.Errorf("unknown rule type %q", r.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", ruleName(r), err)
		}
		out = append(out, cr)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rule.Priority < out[j].rule.Priority })
	return out, nil
}

func ruleName(r *metadata.Rule) string {
	if r.ID != "" {
		return r.ID
	}
	if r.Definition.Field != "" {
		return r.Definition.Field
	}
	return string(r.Type)
}

// evaluateRules runs field rules, then expression rules, then computed fields
// against rec. Computed values are written into rec. Computed fields are
// skipped when any validation rule failed.
func evaluateRules(rules []compiledRule, rec, old metadata.Record, action metadata.Action) []ErrorDetail {
	var errs []ErrorDetail

	for _, cr := range rules {
		if cr.rule.Type != metadata.RuleField || !cr.rule.AppliesTo(action) {
			continue
		}
		if detail := evaluateFieldRule(cr, rec); detail != nil {
			errs = append(errs, *detail)
			if cr.rule.Definition.StopOnFail {
				return errs
			}
		}
	}

	env := map[string]any{
		"record": exprRecord(rec),
		"old":    exprRecord(old),
		"action": string(action),
	}

	for _, cr := range rules {
		if cr.rule.Type != metadata.RuleExpression || !cr.rule.AppliesTo(action) {
			continue
		}
		if detail := evaluateExpressionRule(cr, env); detail != nil {
			errs = append(errs, *detail)
			if cr.rule.Definition.StopOnFail {
				return errs
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}

	for _, cr := range rules {
		if cr.rule.Type != metadata.RuleComputed || !cr.rule.AppliesTo(action) {
			continue
		}
		val, err := expr.Run(cr.program, env)
		if err != nil {
			errs = append(errs, ErrorDetail{
				Field:   cr.rule.Definition.Field,
				Rule:    "computed",
				Message: fmt.Sprintf("evaluate computed field %s: %v", cr.rule.Definition.Field, err),
			})
			continue
		}
		rec[cr.rule.Definition.Field] = val
	}
	return errs
}

// EvaluateFieldRule evaluates a single field rule against a record.
// Returns nil if the rule passes, or an ErrorDetail if it fails.
func EvaluateFieldRule(rule *metadata.Rule, record metadata.Record) *ErrorDetail {
	cr := compiledRule{rule: rule}
	if rule.Definition.Operator == "pattern" {
		pattern, ok := rule.Definition.Value.(string)
		if !ok {
			return nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return &ErrorDetail{Field: rule.Definition.Field, Rule: "pattern", Message: err.Error()}
		}
		cr.pattern = re
	}
	return evaluateFieldRule(cr, record)
}

func evaluateFieldRule(cr compiledRule, record metadata.Record) *ErrorDetail {
	def := cr.rule.Definition
	fieldName := def.Field
	val, exists := record[fieldName]
	if !exists || val == nil {
		return nil // absent fields are checked by "required", not by field rules
	}

	op := def.Operator
	msg := def.Message
	if msg == "" {
		msg = fmt.Sprintf("field %s failed %s validation", fieldName, op)
	}
	fail := &ErrorDetail{Field: fieldName, Rule: op, Message: msg}

	switch op {
	case "min", "max":
		num, ok := query.ToFloat(val)
		if !ok {
			return nil
		}
		threshold, ok := query.ToFloat(def.Value)
		if !ok {
			return nil
		}
		if (op == "min" && num < threshold) || (op == "max" && num > threshold) {
			return fail
		}

	case "min_length", "max_length":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		threshold, ok := query.ToFloat(def.Value)
		if !ok {
			return nil
		}
		n := utf8.RuneCountInString(s)
		if (op == "min_length" && n < int(threshold)) || (op == "max_length" && n > int(threshold)) {
			return fail
		}

	case "pattern":
		s, ok := val.(string)
		if !ok || cr.pattern == nil {
			return nil
		}
		if !cr.pattern.MatchString(s) {
			return fail
		}
	}

	return nil
}

// CompileExpression compiles an expression string into an expr-lang program.
func CompileExpression(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return prog, nil
}

// CompileComputedExpression compiles an expression for a computed field (returns any value, not bool).
func CompileComputedExpression(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile computed expression: %w", err)
	}
	return prog, nil
}

// evaluateExpressionRule reports a violation when the expression is true.
func evaluateExpressionRule(cr compiledRule, env map[string]any) *ErrorDetail {
	result, err := expr.Run(cr.program, env)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}

	violated, ok := result.(bool)
	if !ok || !violated {
		return nil
	}
	msg := cr.rule.Definition.Message
	if msg == "" {
		msg = "Expression rule violated"
	}
	return &ErrorDetail{Field: cr.rule.Definition.Field, Rule: "expression", Message: msg}
}

// exprRecord flattens related references to their ids so expressions can
// compare foreign keys with plain strings.
func exprRecord(rec metadata.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		switch rv := v.(type) {
		case *metadata.RelatedRecord:
			if rv == nil {
				out[k] = nil
				continue
			}
			out[k] = rv.ID
		case *metadata.RelatedRecordCollection:
			if rv == nil {
				out[k] = nil
				continue
			}
			out[k] = rv.IDs()
		default:
			out[k] = v
		}
	}
	return out
}
