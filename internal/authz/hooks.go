package authz

import (
	"context"
	"reflect"
	"slices"

	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/query"
)

// Register installs the authorizer on every table of the provider pipeline.
// Reads are narrowed before they reach the backend and masked after; writes
// are checked before validation so a denied caller learns nothing about
// validation rules.
func (a *Authorizer) Register(h *engine.Hooks) {
	all := engine.AnyTable()

	engine.Register(h, all, engine.PreRetrieveRecords, a.authorizeQueryHook)
	engine.Register(h, all, engine.PreFindQuery, a.authorizeQueryHook)
	engine.Register(h, all, engine.PostRetrieveRecord, a.filterRecordHook)
	engine.Register(h, all, engine.PostRetrieveRecords, a.filterRecordsHook)
	engine.Register(h, all, engine.PostFind, a.filterRecordsHook)

	engine.Register(h, all, engine.PreCreateValidate, a.authorizeCreate)
	engine.Register(h, all, engine.PreUpdateValidate, a.authorizeUpdate)
	engine.Register(h, all, engine.PreDelete, a.authorizeDelete)
}

func (a *Authorizer) authorizeQueryHook(ctx context.Context, table *metadata.Table, args engine.QueryArgs) (engine.QueryArgs, error) {
	q, err := a.AuthorizeQuery(metadata.UserFromContext(ctx), table, args.Query)
	if err != nil {
		return args, err
	}
	args.Query = q
	return args, nil
}

func (a *Authorizer) filterRecordHook(ctx context.Context, table *metadata.Table, args engine.RecordArgs) (engine.RecordArgs, error) {
	caller := metadata.UserFromContext(ctx)
	if caller == nil {
		return args, engine.UnauthorizedError("Authentication required")
	}
	rec, err := a.FilterRecord(caller, metadata.ActionRead, table, args.Record)
	if err != nil {
		return args, err
	}
	args.Record = rec
	return args, nil
}

// filterRecordsHook masks every record of a page and drops the denied ones.
// The backend already applied the read condition; related records pulled in
// by expansion have not been checked yet.
func (a *Authorizer) filterRecordsHook(ctx context.Context, table *metadata.Table, args engine.RecordsArgs) (engine.RecordsArgs, error) {
	caller := metadata.UserFromContext(ctx)
	if caller == nil {
		return args, engine.UnauthorizedError("Authentication required")
	}
	d, err := a.Decision(caller, metadata.ActionRead, table)
	if err != nil {
		return args, err
	}
	if d.IsAllow() && !hasRelated(table, args.Records) {
		return args, nil
	}
	out := make([]metadata.Record, 0, len(args.Records))
	for _, rec := range args.Records {
		filtered, err := a.filterWith(caller, metadata.ActionRead, table, rec, d)
		if err != nil {
			return args, err
		}
		if filtered != nil {
			out = append(out, filtered)
		}
	}
	args.Records = out
	return args, nil
}

func (a *Authorizer) authorizeCreate(ctx context.Context, table *metadata.Table, args engine.WriteArgs) (engine.WriteArgs, error) {
	caller := metadata.UserFromContext(ctx)
	if caller == nil {
		return args, engine.UnauthorizedError("Authentication required")
	}
	d, err := a.Decision(caller, metadata.ActionCreate, table)
	if err != nil {
		return args, err
	}
	args = withhold(d, args)
	ok, err := a.permits(table, d, args.Record)
	if err != nil {
		return args, err
	}
	if !ok {
		return args, engine.UnauthorizedCreationError(table.Name)
	}
	return args, nil
}

// authorizeUpdate requires the stored record and the record as it would be
// after the update to both satisfy the update condition, so a caller cannot
// move a record out of, or into, their reach. Fields the caller may not write
// keep their stored values.
func (a *Authorizer) authorizeUpdate(ctx context.Context, table *metadata.Table, args engine.WriteArgs) (engine.WriteArgs, error) {
	caller := metadata.UserFromContext(ctx)
	if caller == nil {
		return args, engine.UnauthorizedError("Authentication required")
	}
	d, err := a.Decision(caller, metadata.ActionUpdate, table)
	if err != nil {
		return args, err
	}
	args = withhold(d, args)
	ok, err := a.permits(table, d, args.Existing)
	if err == nil && ok {
		ok, err = a.permits(table, d, args.Record)
	}
	if err != nil {
		return args, err
	}
	if !ok {
		return args, engine.UnauthorizedUpdateError(table.Name, args.ID)
	}
	return args, nil
}

func (a *Authorizer) authorizeDelete(ctx context.Context, table *metadata.Table, args engine.DeleteArgs) (engine.DeleteArgs, error) {
	caller := metadata.UserFromContext(ctx)
	if caller == nil {
		return args, engine.UnauthorizedError("Authentication required")
	}
	d, err := a.Decision(caller, metadata.ActionDelete, table)
	if err != nil {
		return args, err
	}
	if d.IsAllow() {
		return args, nil
	}
	if d.IsBlock() {
		return args, engine.UnauthorizedDeletionError(table.Name, args.ID)
	}
	existing, err := args.Existing(ctx)
	if err != nil {
		return args, err
	}
	if existing == nil {
		return args, engine.NotFoundError(table.Name, args.ID)
	}
	ok, err := a.permits(table, d, existing)
	if err != nil {
		return args, err
	}
	if !ok {
		return args, engine.UnauthorizedDeletionError(table.Name, args.ID)
	}
	return args, nil
}

// permits reports whether rec satisfies d.
func (a *Authorizer) permits(table *metadata.Table, d Decision, rec metadata.Record) (bool, error) {
	switch {
	case d.IsAllow():
		return true, nil
	case d.IsBlock():
		return false, nil
	}
	ok, err := query.Matches(table, rec, d.Condition)
	if err != nil {
		return false, engine.ConfigError(err)
	}
	return ok, nil
}

// withhold drops the incoming fields d does not allow. In the record to be
// written such a field falls back to its stored value, or disappears on
// create, unless a hook has already replaced what the caller sent.
func withhold(d Decision, args engine.WriteArgs) engine.WriteArgs {
	if !d.IsConditional() || len(d.AllowedFields) == 0 {
		return args
	}
	var rec, incoming metadata.Record
	for field, val := range args.Incoming {
		if d.FieldAllowed(field) {
			continue
		}
		if incoming == nil {
			rec, incoming = args.Record.Clone(), args.Incoming.Clone()
		}
		delete(incoming, field)
		if !reflect.DeepEqual(rec[field], val) {
			continue
		}
		if prev, ok := args.Existing[field]; ok {
			rec[field] = prev
		} else {
			delete(rec, field)
		}
	}
	if incoming != nil {
		args.Record, args.Incoming = rec, incoming
	}
	return args
}

// filterRelations masks the relations of a record the caller may see.
func (a *Authorizer) filterRelations(caller *metadata.UserContext, action metadata.Action, table *metadata.Table, rec metadata.Record) (metadata.Record, error) {
	var out metadata.Record
	for _, col := range table.ForeignKeys() {
		val, present := rec[col.Name]
		if !present {
			continue
		}
		related := a.registry.GetTable(col.ForeignKey().ForeignTable)
		if related == nil {
			continue
		}
		filtered, keep, err := a.filterRelated(caller, action, related, val)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = rec.Clone()
		}
		if !keep {
			delete(out, col.Name)
			continue
		}
		out[col.Name] = filtered
	}
	if out == nil {
		return rec, nil
	}
	return out, nil
}

// hasRelated reports whether any record carries a related record or a
// display name that may need masking.
func hasRelated(table *metadata.Table, records []metadata.Record) bool {
	revealing := func(rr *metadata.RelatedRecord) bool {
		return rr != nil && (rr.Hydrated() || rr.Name != "")
	}
	fks := table.ForeignKeys()
	for _, rec := range records {
		for _, col := range fks {
			switch v := rec[col.Name].(type) {
			case *metadata.RelatedRecord:
				if revealing(v) {
					return true
				}
			case *metadata.RelatedRecordCollection:
				if v != nil && slices.ContainsFunc(v.Records, revealing) {
					return true
				}
			}
		}
	}
	return false
}

// Explain returns the caller's decision for every action on table.
func (a *Authorizer) Explain(caller *metadata.UserContext, table *metadata.Table) (map[metadata.Action]Decision, error) {
	out := make(map[metadata.Action]Decision, 4)
	for _, action := range []metadata.Action{metadata.ActionRead, metadata.ActionCreate, metadata.ActionUpdate, metadata.ActionDelete} {
		d, err := a.Decision(caller, action, table)
		if err != nil {
			return nil, err
		}
		out[action] = d
	}
	return out, nil
}
