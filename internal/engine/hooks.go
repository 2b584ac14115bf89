package engine

import (
	"context"
	"regexp"
	"sync"
	"time"

	"denim/internal/metadata"
)

// Stage names one extension point of the provider pipeline. T is the argument
// struct every hook at the stage receives and returns.
type Stage[T any] struct {
	name string
}

func (s Stage[T]) String() string { return s.name }

var (
	PreRetrieveRecord       = Stage[RetrieveRecordArgs]{"pre-retrieve-record"}
	PreRetrieveRecordExpand = Stage[RecordArgs]{"pre-retrieve-record-expand"}
	PostRetrieveRecord      = Stage[RecordArgs]{"post-retrieve-record"}

	PreRetrieveRecords       = Stage[QueryArgs]{"pre-retrieve-records"}
	PreRetrieveRecordsExpand = Stage[RecordsArgs]{"pre-retrieve-records-expand"}
	PostRetrieveRecords      = Stage[RecordsArgs]{"post-retrieve-records"}

	PreFind      = Stage[FindArgs]{"pre-find"}
	PreFindQuery = Stage[QueryArgs]{"pre-find-query"}
	PostFind     = Stage[RecordsArgs]{"post-find"}

	PreCreate          = Stage[WriteArgs]{"pre-create"}
	PreCreateValidate  = Stage[WriteArgs]{"pre-create-validate"}
	PostCreateValidate = Stage[WriteArgs]{"post-create-validate"}
	PostCreate         = Stage[WriteArgs]{"post-create"}

	PreUpdate          = Stage[WriteArgs]{"pre-update"}
	PreUpdateValidate  = Stage[WriteArgs]{"pre-update-validate"}
	PostUpdateValidate = Stage[WriteArgs]{"post-update-validate"}
	PostUpdate         = Stage[WriteArgs]{"post-update"}

	PreDelete  = Stage[DeleteArgs]{"pre-delete"}
	PostDelete = Stage[DeleteArgs]{"post-delete"}
)

// RetrieveRecordArgs flows through pre-retrieve-record.
type RetrieveRecordArgs struct {
	ID     string
	Expand []string
}

// RecordArgs carries a single fetched record. Record may be nil when the
// record does not exist or a hook denied it.
type RecordArgs struct {
	Record metadata.Record
	Expand []string
}

// QueryArgs flows through pre-retrieve-records and pre-find-query.
type QueryArgs struct {
	Query *metadata.Query
}

// RecordsArgs carries a page of fetched records and the query that produced it.
type RecordsArgs struct {
	Records []metadata.Record
	Query   *metadata.Query
}

// FindArgs flows through pre-find.
type FindArgs struct {
	IDs    []string
	Expand []string
}

// WriteArgs flows through the create and update stages. Record is the
// in-flight record: the new record for creates, the merged record for
// updates once the existing one is loaded. Incoming holds only the fields the
// caller sent. Existing is nil for creates.
type WriteArgs struct {
	ID       string
	Record   metadata.Record
	Incoming metadata.Record
	Existing metadata.Record
}

// DeleteArgs flows through the delete stages.
type DeleteArgs struct {
	ID string

	existing *lazyRecord
}

// Existing loads the record about to be deleted, once, on first use.
func (a DeleteArgs) Existing(ctx context.Context) (metadata.Record, error) {
	if a.existing == nil {
		return nil, nil
	}
	return a.existing.get(ctx)
}

type lazyRecord struct {
	once sync.Once
	load func(ctx context.Context) (metadata.Record, error)
	rec  metadata.Record
	err  error
}

func (l *lazyRecord) get(ctx context.Context) (metadata.Record, error) {
	l.once.Do(func() { l.rec, l.err = l.load(ctx) })
	return l.rec, l.err
}

// TableMatcher selects the tables a hook applies to: one exact name (or id),
// or every table whose name matches a pattern.
type TableMatcher struct {
	name    string
	pattern *regexp.Regexp
}

func Exact(name string) TableMatcher { return TableMatcher{name: name} }

func Pattern(re *regexp.Regexp) TableMatcher { return TableMatcher{pattern: re} }

// AnyTable matches every table.
func AnyTable() TableMatcher { return Pattern(regexp.MustCompile(".*")) }

func (m TableMatcher) Matches(table *metadata.Table) bool {
	if m.pattern != nil {
		return m.pattern.MatchString(table.Name)
	}
	return m.name == table.Name || m.name == table.ID
}

func (m TableMatcher) String() string {
	if m.pattern != nil {
		return "/" + m.pattern.String() + "/"
	}
	return m.name
}

// HookFunc intercepts one stage. The returned args replace the input for the
// next hook; an error aborts the operation.
type HookFunc[T any] func(ctx context.Context, table *metadata.Table, args T) (T, error)

type registeredHook struct {
	matcher TableMatcher
	fn      any
}

// Hooks is the hook registry. Hooks for a stage run in registration order.
type Hooks struct {
	mu      sync.RWMutex
	byStage map[string][]registeredHook
}

func NewHooks() *Hooks {
	return &Hooks{byStage: make(map[string][]registeredHook)}
}

// Register adds fn at stage for the tables selected by matcher.
func Register[T any](h *Hooks, matcher TableMatcher, stage Stage[T], fn HookFunc[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byStage[stage.name] = append(h.byStage[stage.name], registeredHook{matcher: matcher, fn: fn})
}

// Count returns the number of hooks at stage that apply to table.
func (h *Hooks) Count(stage string, table *metadata.Table) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, rh := range h.byStage[stage] {
		if rh.matcher.Matches(table) {
			n++
		}
	}
	return n
}

func (h *Hooks) matching(stage string, table *metadata.Table) []registeredHook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []registeredHook
	for _, rh := range h.byStage[stage] {
		if rh.matcher.Matches(table) {
			out = append(out, rh)
		}
	}
	return out
}

// run folds args through every hook at stage that applies to table.
func run[T any](ctx context.Context, h *Hooks, stage Stage[T], table *metadata.Table, args T) (T, error) {
	hooks := h.matching(stage.name, table)
	if len(hooks) == 0 {
		return args, nil
	}
	defer observeStage(stage.name, time.Now())

	var err error
	for _, rh := range hooks {
		args, err = rh.fn.(HookFunc[T])(ctx, table, args)
		if err != nil {
			return args, err
		}
	}
	return args, nil
}
