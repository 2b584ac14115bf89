package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"denim/internal/instrument"
	"denim/internal/metadata"
)

// ErrRecordNotFound is returned by adapters asked to change a record that
// does not exist.
var ErrRecordNotFound = errors.New("record not found")

// Provider runs every table operation through its fixed sequence of hook
// stages and the table's backend adapter.
type Provider struct {
	registry   *metadata.Registry
	backends   *BackendSet
	hooks      *Hooks
	validators *ValidatorCache
	logger     *zap.SugaredLogger
}

func NewProvider(reg *metadata.Registry, backends *BackendSet, hooks *Hooks, validators *ValidatorCache, logger *zap.SugaredLogger) *Provider {
	if hooks == nil {
		hooks = NewHooks()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if validators == nil {
		validators, _ = NewValidatorCache(SchemaCompiler{}, 0)
	}
	return &Provider{registry: reg, backends: backends, hooks: hooks, validators: validators, logger: logger}
}

func (p *Provider) Registry() *metadata.Registry { return p.registry }

func (p *Provider) Hooks() *Hooks { return p.hooks }

func (p *Provider) Validators() *ValidatorCache { return p.validators }

// Table resolves a table by name or id.
func (p *Provider) Table(key string) (*metadata.Table, error) {
	t := p.registry.GetTable(key)
	if t == nil {
		return nil, UnknownTableError(key)
	}
	return t, nil
}

// ReloadSchema reloads the app definition and drops every compiled validator.
func (p *Provider) ReloadSchema(src metadata.Source) (*metadata.AppDefinition, error) {
	def, err := metadata.LoadAll(src, p.registry)
	if err != nil {
		return nil, err
	}
	p.validators.Purge()
	p.logger.Infow("schema reloaded", "version", p.registry.Version(), "tables", len(def.Tables))
	return def, nil
}

func (p *Provider) backend(table *metadata.Table) (Backend, error) {
	b, err := p.backends.For(table)
	if err != nil {
		return nil, BackendFailureError(table.Name, "resolve", err)
	}
	return b, nil
}

// RetrieveRecord returns one record, or nil when it does not exist or a hook
// filtered it out.
func (p *Provider) RetrieveRecord(ctx context.Context, tableKey, id string, expand []string) (metadata.Record, error) {
	table, err := p.Table(tableKey)
	if err != nil {
		return nil, err
	}
	rec, err := p.retrieveRecord(ctx, table, id, expand)
	observeOperation(table.Name, "retrieve_record", err)
	return rec, err
}

func (p *Provider) retrieveRecord(ctx context.Context, table *metadata.Table, id string, expand []string) (metadata.Record, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "provider", "record.retrieve")
	defer span.End()
	span.SetEntity(table.Name, id)

	args, err := run(ctx, p.hooks, PreRetrieveRecord, table, RetrieveRecordArgs{ID: id, Expand: expand})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	b, err := p.backend(table)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	rec, err := b.Retrieve(ctx, table, args.ID)
	if err != nil {
		span.SetStatus("error")
		return nil, backendError(table.Name, "retrieve", err)
	}
	if rec != nil {
		metadata.NormalizeRelations(table, rec)
	}

	recArgs, err := run(ctx, p.hooks, PreRetrieveRecordExpand, table, RecordArgs{Record: rec, Expand: args.Expand})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if recArgs.Record != nil {
		if err := p.expand(ctx, table, []metadata.Record{recArgs.Record}, recArgs.Expand); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}

	recArgs, err = run(ctx, p.hooks, PostRetrieveRecord, table, recArgs)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetStatus("ok")
	return recArgs.Record, nil
}

// RetrieveRecords runs a query. A nil query returns the first page of every
// record.
func (p *Provider) RetrieveRecords(ctx context.Context, tableKey string, q *metadata.Query) ([]metadata.Record, error) {
	table, err := p.Table(tableKey)
	if err != nil {
		return nil, err
	}
	recs, err := p.retrieveRecords(ctx, table, q)
	observeOperation(table.Name, "retrieve_records", err)
	return recs, err
}

func (p *Provider) retrieveRecords(ctx context.Context, table *metadata.Table, q *metadata.Query) ([]metadata.Record, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "provider", "records.retrieve")
	defer span.End()
	span.SetEntity(table.Name, "")

	if q == nil {
		q = &metadata.Query{}
	}
	args, err := run(ctx, p.hooks, PreRetrieveRecords, table, QueryArgs{Query: q})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	recs, err := p.query(ctx, table, args.Query)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	recArgs, err := run(ctx, p.hooks, PreRetrieveRecordsExpand, table, RecordsArgs{Records: recs, Query: args.Query})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if recArgs.Query != nil {
		if err := p.expand(ctx, table, recArgs.Records, recArgs.Query.Expand); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}

	recArgs, err = run(ctx, p.hooks, PostRetrieveRecords, table, recArgs)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetMetadata("count", len(recArgs.Records))
	span.SetStatus("ok")
	return recArgs.Records, nil
}

func (p *Provider) query(ctx context.Context, table *metadata.Table, q *metadata.Query) ([]metadata.Record, error) {
	b, err := p.backend(table)
	if err != nil {
		return nil, err
	}
	recs, err := b.Query(ctx, table, q)
	if err != nil {
		return nil, backendError(table.Name, "query", err)
	}
	for _, rec := range recs {
		metadata.NormalizeRelations(table, rec)
	}
	return recs, nil
}

// FindByID fetches the records with the given ids in one backend query.
// Missing ids are absent from the result.
func (p *Provider) FindByID(ctx context.Context, tableKey string, expand []string, ids ...string) ([]metadata.Record, error) {
	table, err := p.Table(tableKey)
	if err != nil {
		return nil, err
	}
	recs, err := p.findByID(ctx, table, expand, ids)
	observeOperation(table.Name, "find_by_id", err)
	return recs, err
}

func (p *Provider) findByID(ctx context.Context, table *metadata.Table, expand []string, ids []string) ([]metadata.Record, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "provider", "records.find")
	defer span.End()
	span.SetEntity(table.Name, "")
	span.SetMetadata("ids", len(ids))

	args, err := run(ctx, p.hooks, PreFind, table, FindArgs{IDs: ids, Expand: expand})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if len(args.IDs) == 0 {
		span.SetStatus("ok")
		return []metadata.Record{}, nil
	}

	conds := make([]*metadata.Condition, len(args.IDs))
	for i, id := range args.IDs {
		conds[i] = metadata.Where("id", metadata.OpEquals, metadata.Lit(id))
	}
	q := &metadata.Query{Conditions: metadata.Or(conds...), RetrieveAll: true}

	qArgs, err := run(ctx, p.hooks, PreFindQuery, table, QueryArgs{Query: q})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	recs, err := p.query(ctx, table, qArgs.Query)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if err := p.expand(ctx, table, recs, args.Expand); err != nil {
		span.SetStatus("error")
		return nil, err
	}

	recArgs, err := run(ctx, p.hooks, PostFind, table, RecordsArgs{Records: recs, Query: qArgs.Query})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetStatus("ok")
	return recArgs.Records, nil
}

// CreateRecord validates and inserts a new record.
func (p *Provider) CreateRecord(ctx context.Context, tableKey string, rec metadata.Record) (metadata.Record, error) {
	table, err := p.Table(tableKey)
	if err != nil {
		return nil, err
	}
	saved, err := p.createRecord(ctx, table, rec)
	observeOperation(table.Name, "create", err)
	return saved, err
}

func (p *Provider) createRecord(ctx context.Context, table *metadata.Table, rec metadata.Record) (metadata.Record, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "provider", "record.create")
	defer span.End()
	span.SetEntity(table.Name, "")

	rec = rec.Clone()
	delete(rec, "id")
	metadata.NormalizeRelations(table, rec)
	args := WriteArgs{Record: rec, Incoming: rec.Clone()}

	args, err := run(ctx, p.hooks, PreCreate, table, args)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	args, err = run(ctx, p.hooks, PreCreateValidate, table, args)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if args.Record, err = p.validate(table, args.Record, nil, metadata.ActionCreate); err != nil {
		span.SetStatus("error")
		return nil, err
	}
	args, err = run(ctx, p.hooks, PostCreateValidate, table, args)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	b, err := p.backend(table)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	saved, err := b.Save(ctx, table, writablePayload(table, args.Record))
	if err != nil {
		span.SetStatus("error")
		return nil, backendError(table.Name, "save", err)
	}
	metadata.NormalizeRelations(table, saved)
	args.Record = saved
	args.ID = saved.ID()
	span.SetEntity(table.Name, args.ID)

	args, err = run(ctx, p.hooks, PostCreate, table, args)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetStatus("ok")
	p.logger.Debugw("record created", "table", table.Name, "id", args.ID)
	return args.Record, nil
}

// UpdateRecord merges rec over the stored record, validates the result and
// writes only the fields that changed.
func (p *Provider) UpdateRecord(ctx context.Context, tableKey, id string, rec metadata.Record) (metadata.Record, error) {
	table, err := p.Table(tableKey)
	if err != nil {
		return nil, err
	}
	saved, err := p.updateRecord(ctx, table, id, rec)
	observeOperation(table.Name, "update", err)
	return saved, err
}

func (p *Provider) updateRecord(ctx context.Context, table *metadata.Table, id string, rec metadata.Record) (metadata.Record, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "provider", "record.update")
	defer span.End()
	span.SetEntity(table.Name, id)

	rec = rec.Clone()
	delete(rec, "id")
	metadata.NormalizeRelations(table, rec)
	args, err := run(ctx, p.hooks, PreUpdate, table, WriteArgs{ID: id, Record: rec, Incoming: rec.Clone()})
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	// The stored record is loaded with system privileges: read masks must not
	// truncate the record being validated and written back.
	existing, err := p.retrieveRecord(metadata.WithUser(ctx, metadata.SystemUser), table, args.ID, nil)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if existing == nil {
		span.SetStatus("error")
		return nil, NotFoundError(table.Name, args.ID)
	}

	merged := existing.Clone()
	for k, v := range args.Record {
		merged[k] = v
	}
	merged["id"] = args.ID
	args.Record = merged
	args.Existing = existing

	args, err = run(ctx, p.hooks, PreUpdateValidate, table, args)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if args.Record, err = p.validate(table, args.Record, existing, metadata.ActionUpdate); err != nil {
		span.SetStatus("error")
		return nil, err
	}
	args, err = run(ctx, p.hooks, PostUpdateValidate, table, args)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	changes := diffRecord(table, existing, args.Record)
	if changes != nil {
		b, err := p.backend(table)
		if err != nil {
			span.SetStatus("error")
			return nil, err
		}
		saved, err := b.Save(ctx, table, changes)
		if err != nil {
			span.SetStatus("error")
			return nil, backendError(table.Name, "save", err)
		}
		metadata.NormalizeRelations(table, saved)
		for k, v := range saved {
			args.Record[k] = v
		}
		span.SetMetadata("changed", len(changes)-1)
	}

	args, err = run(ctx, p.hooks, PostUpdate, table, args)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetStatus("ok")
	return args.Record, nil
}

// DeleteRecord removes a record. Hooks that need the deleted record must
// load it through DeleteArgs.Existing at pre-delete.
func (p *Provider) DeleteRecord(ctx context.Context, tableKey, id string) error {
	table, err := p.Table(tableKey)
	if err != nil {
		return err
	}
	err = p.deleteRecord(ctx, table, id)
	observeOperation(table.Name, "delete", err)
	return err
}

func (p *Provider) deleteRecord(ctx context.Context, table *metadata.Table, id string) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "provider", "record.delete")
	defer span.End()
	span.SetEntity(table.Name, id)

	args := DeleteArgs{ID: id, existing: p.lazyExisting(table, id)}
	args, err := run(ctx, p.hooks, PreDelete, table, args)
	if err != nil {
		span.SetStatus("error")
		return err
	}
	if args.existing == nil || args.ID != id {
		args.existing = p.lazyExisting(table, args.ID)
	}

	b, err := p.backend(table)
	if err != nil {
		span.SetStatus("error")
		return err
	}
	if err := b.Delete(ctx, table, args.ID); err != nil {
		span.SetStatus("error")
		if errors.Is(err, ErrRecordNotFound) {
			return NotFoundError(table.Name, args.ID)
		}
		return backendError(table.Name, "delete", err)
	}

	if _, err := run(ctx, p.hooks, PostDelete, table, args); err != nil {
		span.SetStatus("error")
		return err
	}
	span.SetStatus("ok")
	return nil
}

func (p *Provider) lazyExisting(table *metadata.Table, id string) *lazyRecord {
	return &lazyRecord{load: func(ctx context.Context) (metadata.Record, error) {
		return p.retrieveRecord(metadata.WithUser(ctx, metadata.SystemUser), table, id, nil)
	}}
}

func (p *Provider) validate(table *metadata.Table, rec, existing metadata.Record, action metadata.Action) (metadata.Record, error) {
	v, err := p.validators.Get(table)
	if err != nil {
		return nil, err
	}
	return v.Validate(rec, existing, action)
}
