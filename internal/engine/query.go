package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"denim/internal/metadata"
	"denim/internal/query"
)

// filterOperators maps the short operator names accepted in filter[field.op]
// query parameters. Full operator names are accepted as well.
var filterOperators = map[string]metadata.Operator{
	"eq":       metadata.OpEquals,
	"neq":      metadata.OpDoesNotEqual,
	"like":     metadata.OpContains,
	"not_like": metadata.OpDoesNotContain,
	"gt":       metadata.OpGreaterThan,
	"gte":      metadata.OpGreaterThanOrEqual,
	"lt":       metadata.OpLessThan,
	"lte":      metadata.OpLessThanOrEqual,
}

// ParseQueryParams builds a Query from request parameters:
//
//	filter[field]=val, filter[field.op]=val   leaf conditions joined by AND
//	q={...}                                   JSON condition tree, ANDed with the filters
//	page, page_size (or per_page), all=true   paging
//	expand=Department,Manager.Department      relationships to hydrate
func ParseQueryParams(c *fiber.Ctx, table *metadata.Table) (*metadata.Query, error) {
	q := &metadata.Query{Page: 1, PageSize: query.DefaultPageSize}

	var conds []*metadata.Condition
	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		inner := key[7 : len(key)-1] // extract between [ and ]
		field, op, err := parseFilterKey(inner)
		if err != nil {
			return nil, InvalidPayloadError(err.Error())
		}

		col, err := query.ColumnFor(table, field)
		if err != nil {
			return nil, InvalidPayloadError(fmt.Sprintf("Unknown filter field: %s", field))
		}

		var value metadata.Value
		if op != metadata.OpNull && op != metadata.OpNotNull {
			coerced, err := coerceParam(col, val)
			if err != nil {
				return nil, InvalidPayloadError(fmt.Sprintf("Invalid filter value for %s: %v", field, err))
			}
			value = metadata.Lit(coerced)
		}
		conds = append(conds, metadata.Where(field, op, value))
	}

	if raw := c.Query("q"); raw != "" {
		var tree metadata.Condition
		if err := json.Unmarshal([]byte(raw), &tree); err != nil {
			return nil, InvalidPayloadError(fmt.Sprintf("Invalid q parameter: %v", err))
		}
		conds = append(conds, &tree)
	}

	for _, cond := range conds {
		if err := query.ValidateCondition(table, cond); err != nil {
			return nil, InvalidPayloadError(err.Error())
		}
	}
	switch len(conds) {
	case 0:
	case 1:
		q.Conditions = conds[0]
	default:
		q.Conditions = metadata.And(conds...)
	}

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			q.Page = v
		}
	}
	size := c.Query("page_size", c.Query("per_page"))
	if size != "" {
		if v, err := strconv.Atoi(size); err == nil && v > 0 {
			q.PageSize = min(v, query.MaxPageSize)
		}
	}
	q.RetrieveAll = c.QueryBool("all", false)
	q.Expand = parseExpand(c)

	return q, nil
}

// parseFilterKey splits "Age.gte" into ("Age", greater_than_or_equal) or
// "Status" into ("Status", equals). Field names may contain spaces but not dots.
func parseFilterKey(key string) (string, metadata.Operator, error) {
	field, opName, found := strings.Cut(key, ".")
	if !found {
		return key, metadata.OpEquals, nil
	}
	if op, ok := filterOperators[opName]; ok {
		return field, op, nil
	}
	for _, op := range metadata.AllOperators {
		if string(op) == opName {
			return field, op, nil
		}
	}
	return "", "", fmt.Errorf("unknown filter operator %q", opName)
}

// coerceParam converts a query parameter string to the value type of col.
func coerceParam(col *metadata.Column, val string) (any, error) {
	switch col.Type.(type) {
	case metadata.NumberType:
		return strconv.ParseFloat(val, 64)
	case metadata.BooleanType:
		return strconv.ParseBool(val)
	default:
		return val, nil
	}
}

func parseExpand(c *fiber.Ctx) []string {
	raw := c.Query("expand")
	if raw == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
