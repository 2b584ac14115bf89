// Package authz decides what a caller may read and write. Decisions are
// merged from every role that applies to the caller and enforced through
// provider hooks.
package authz

import (
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/query"
)

// Decision is the merged permission of a caller for one action on one table.
type Decision struct {
	Kind          metadata.PermissionKind
	Condition     *metadata.Condition
	AllowedFields []string
}

var (
	Allowed = Decision{Kind: metadata.PermissionAllow}
	Blocked = Decision{Kind: metadata.PermissionBlock}
)

func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind          string              `json:"kind"`
		Condition     *metadata.Condition `json:"condition,omitempty"`
		AllowedFields []string            `json:"allowedFields,omitempty"`
	}{d.Kind.String(), d.Condition, d.AllowedFields})
}

func (d Decision) IsAllow() bool       { return d.Kind == metadata.PermissionAllow }
func (d Decision) IsBlock() bool       { return d.Kind == metadata.PermissionBlock }
func (d Decision) IsConditional() bool { return d.Kind == metadata.PermissionConditional }

// FieldAllowed reports whether field survives the decision's projection.
// The id is always visible.
func (d Decision) FieldAllowed(field string) bool {
	if d.IsBlock() {
		return false
	}
	if field == "id" || len(d.AllowedFields) == 0 {
		return true
	}
	return slices.Contains(d.AllowedFields, field)
}

// Decide merges the permissions of roles for action on table. The first
// allow wins outright. Otherwise the last conditional seen wins; conditionals
// of different roles are not combined. With neither, the result is block.
func Decide(roles []*metadata.AuthorizationRole, action metadata.Action, table *metadata.Table) Decision {
	var running *metadata.Permission
	for _, role := range roles {
		p := role.PermissionFor(action, table)
		switch {
		case p.IsAllow():
			return Allowed
		case p.IsConditional():
			running = p
		}
	}
	if running == nil {
		return Blocked
	}
	return Decision{
		Kind:          metadata.PermissionConditional,
		Condition:     running.Condition,
		AllowedFields: running.AllowedFields,
	}
}

// Substitute returns a copy of cond with every caller placeholder replaced by
// the matching field of the caller's record.
func Substitute(cond *metadata.Condition, caller *metadata.UserContext) *metadata.Condition {
	if cond == nil {
		return nil
	}
	out := cond.Clone()
	substitute(out, caller)
	return out
}

func substitute(cond *metadata.Condition, caller *metadata.UserContext) {
	if cond.IsGroup() {
		for _, child := range cond.Conditions {
			substitute(child, caller)
		}
		return
	}
	if cond.Value.IsCaller() {
		cond.Value = metadata.Lit(caller.Field(cond.Value.CallerField))
	}
}

// Authorizer evaluates decisions for callers against the loaded roles.
type Authorizer struct {
	registry  *metadata.Registry
	userTable string
	logger    *zap.SugaredLogger
}

// New returns an Authorizer. userTable names the table holding caller
// records; role queries are evaluated against its schema.
func New(reg *metadata.Registry, userTable string, logger *zap.SugaredLogger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Authorizer{registry: reg, userTable: userTable, logger: logger}
}

// ApplicableRoles returns, in definition order, the roles without a role
// query and the roles whose query matches the caller's own record.
func (a *Authorizer) ApplicableRoles(caller *metadata.UserContext) ([]*metadata.AuthorizationRole, error) {
	var out []*metadata.AuthorizationRole
	for _, role := range a.registry.Roles() {
		if role.RoleQuery.IsEmpty() {
			out = append(out, role)
			continue
		}
		table := a.registry.GetTable(a.userTable)
		if table == nil {
			return nil, fmt.Errorf("role %s: user table %q is not defined", role.ID, a.userTable)
		}
		if caller.Record == nil {
			continue
		}
		ok, err := query.Matches(table, caller.Record, Substitute(role.RoleQuery, caller))
		if err != nil {
			return nil, engine.ConfigError(fmt.Errorf("role %s: %w", role.ID, err))
		}
		if ok {
			out = append(out, role)
		}
	}
	return out, nil
}

// Decision returns the caller's merged decision for action on table, with
// caller placeholders already substituted.
func (a *Authorizer) Decision(caller *metadata.UserContext, action metadata.Action, table *metadata.Table) (Decision, error) {
	if caller == nil {
		return Blocked, engine.UnauthorizedError("Authentication required")
	}
	if caller.System {
		return Allowed, nil
	}
	roles, err := a.ApplicableRoles(caller)
	if err != nil {
		return Blocked, err
	}
	d := Decide(roles, action, table)
	if d.IsConditional() {
		d.Condition = Substitute(d.Condition, caller)
	}
	engine.ObserveDecision(string(action), d.Kind.String())
	return d, nil
}

// AuthorizeQuery restricts q to what the caller may read. A conditional
// decision is ANDed with the caller's own conditions; a query referencing a
// field outside the decision's allowed fields is refused before it runs.
func (a *Authorizer) AuthorizeQuery(caller *metadata.UserContext, table *metadata.Table, q *metadata.Query) (*metadata.Query, error) {
	d, err := a.Decision(caller, metadata.ActionRead, table)
	if err != nil {
		return nil, err
	}
	switch {
	case d.IsAllow():
		return q, nil
	case d.IsBlock():
		return nil, engine.UnauthorizedQueryError(table.Name, "read access denied")
	}

	if q == nil {
		q = &metadata.Query{}
	}
	for _, field := range q.Conditions.Fields() {
		if !d.FieldAllowed(field) {
			return nil, engine.UnauthorizedQueryError(table.Name, fmt.Sprintf("field %s is not readable", field))
		}
	}

	out := q.Clone()
	switch {
	case d.Condition.IsEmpty():
	case q.Conditions.IsEmpty():
		out.Conditions = d.Condition
	default:
		out.Conditions = metadata.And(d.Condition, out.Conditions)
	}
	return out, nil
}

// FilterRecord returns what the caller may see of rec for action, or nil when
// the record is denied. rec is never modified.
func (a *Authorizer) FilterRecord(caller *metadata.UserContext, action metadata.Action, table *metadata.Table, rec metadata.Record) (metadata.Record, error) {
	if rec == nil {
		return nil, nil
	}
	d, err := a.Decision(caller, action, table)
	if err != nil {
		return nil, err
	}
	return a.filterWith(caller, action, table, rec, d)
}

func (a *Authorizer) filterWith(caller *metadata.UserContext, action metadata.Action, table *metadata.Table, rec metadata.Record, d Decision) (metadata.Record, error) {
	switch {
	case d.IsAllow():
		return a.filterRelations(caller, action, table, rec)
	case d.IsBlock():
		return nil, nil
	}

	ok, err := query.Matches(table, rec, d.Condition)
	if err != nil {
		return nil, engine.ConfigError(err)
	}
	if !ok {
		return nil, nil
	}

	out := make(metadata.Record, len(rec))
	for field, val := range rec {
		if !d.FieldAllowed(field) {
			continue
		}
		out[field] = val
	}
	return a.filterRelations(caller, action, table, out)
}

// filterRelated filters hydrated related records against the related table.
// A denied single reference drops the field; denied collection members are
// removed from the collection. Unhydrated references into a table the caller
// cannot read keep only their id.
func (a *Authorizer) filterRelated(caller *metadata.UserContext, action metadata.Action, table *metadata.Table, val any) (any, bool, error) {
	var blocked *bool
	bare := func(rr *metadata.RelatedRecord) (*metadata.RelatedRecord, error) {
		if rr.Name == "" {
			return rr, nil
		}
		if blocked == nil {
			d, err := a.Decision(caller, action, table)
			if err != nil {
				return nil, err
			}
			b := d.IsBlock()
			blocked = &b
		}
		if *blocked {
			return &metadata.RelatedRecord{ID: rr.ID}, nil
		}
		return rr, nil
	}

	switch v := val.(type) {
	case *metadata.RelatedRecord:
		if v == nil {
			return v, true, nil
		}
		if !v.Hydrated() {
			rr, err := bare(v)
			return rr, err == nil, err
		}
		rec, err := a.FilterRecord(caller, action, table, v.Record)
		if err != nil || rec == nil {
			return nil, false, err
		}
		return &metadata.RelatedRecord{ID: v.ID, Name: v.Name, Record: rec}, true, nil
	case *metadata.RelatedRecordCollection:
		if v == nil {
			return v, true, nil
		}
		out := &metadata.RelatedRecordCollection{Records: make([]*metadata.RelatedRecord, 0, len(v.Records))}
		for _, rr := range v.Records {
			if !rr.Hydrated() {
				rr, err := bare(rr)
				if err != nil {
					return nil, false, err
				}
				out.Records = append(out.Records, rr)
				continue
			}
			rec, err := a.FilterRecord(caller, action, table, rr.Record)
			if err != nil {
				return nil, false, err
			}
			if rec != nil {
				out.Records = append(out.Records, &metadata.RelatedRecord{ID: rr.ID, Name: rr.Name, Record: rec})
			}
		}
		return out, true, nil
	}
	return val, true, nil
}

// IsFieldAllowed reports whether the caller may use field of table for action.
func (a *Authorizer) IsFieldAllowed(caller *metadata.UserContext, action metadata.Action, table *metadata.Table, field string) (bool, error) {
	d, err := a.Decision(caller, action, table)
	if err != nil {
		return false, err
	}
	return d.FieldAllowed(field), nil
}

// ValidateRoles checks every role condition against the loaded schema, so a
// misconfigured role fails at load time instead of on first use.
func (a *Authorizer) ValidateRoles() error {
	users := a.registry.GetTable(a.userTable)
	for _, role := range a.registry.Roles() {
		if !role.RoleQuery.IsEmpty() {
			if users == nil {
				return fmt.Errorf("role %s: user table %q is not defined", role.ID, a.userTable)
			}
			if err := query.ValidateCondition(users, role.RoleQuery); err != nil {
				return fmt.Errorf("role %s: role query: %w", role.ID, err)
			}
		}
		check := func(table *metadata.Table, perms metadata.ActionPermissions) error {
			for _, action := range []metadata.Action{metadata.ActionRead, metadata.ActionCreate, metadata.ActionUpdate, metadata.ActionDelete} {
				p := perms.For(action)
				if !p.IsConditional() {
					continue
				}
				if err := query.ValidateCondition(table, p.Condition); err != nil {
					return fmt.Errorf("role %s: %s on %s: %w", role.ID, action, table.Name, err)
				}
				for _, f := range p.AllowedFields {
					if f != "id" && !table.HasColumn(f) {
						return fmt.Errorf("role %s: %s on %s: allowed field %s is not a column", role.ID, action, table.Name, f)
					}
				}
			}
			return nil
		}
		for _, tp := range role.Tables {
			table := a.registry.GetTable(tp.Table)
			if table == nil {
				return fmt.Errorf("role %s: unknown table %s", role.ID, tp.Table)
			}
			if err := check(table, tp.ActionPermissions); err != nil {
				return err
			}
		}
	}
	return nil
}
