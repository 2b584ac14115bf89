package engine

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"denim/internal/instrument"
	"denim/internal/metadata"
)

// expansionGroup is one root relationship of an expansion request plus the
// sub-paths to expand on its foreign table.
type expansionGroup struct {
	root     string
	children []string
}

// groupPaths splits "A.B.C" paths by root segment, preserving first-seen order.
func groupPaths(paths []string) []expansionGroup {
	var groups []expansionGroup
	index := make(map[string]int)
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		root, rest, _ := strings.Cut(path, ".")
		i, ok := index[root]
		if !ok {
			i = len(groups)
			index[root] = i
			groups = append(groups, expansionGroup{root: root})
		}
		if rest != "" && !containsString(groups[i].children, rest) {
			groups[i].children = append(groups[i].children, rest)
		}
	}
	return groups
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// expand hydrates the foreign key references named by paths on every record,
// in place. Each root relationship issues at most one batched FindByID for
// the ids not yet hydrated anywhere in the page; the batches for distinct
// relationships run concurrently. Already hydrated references are left as
// they are, so expanding twice is a no-op.
func (p *Provider) expand(ctx context.Context, table *metadata.Table, records []metadata.Record, paths []string) error {
	groups := groupPaths(paths)
	if len(records) == 0 || len(groups) == 0 {
		return nil
	}

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "expand", "expand")
	defer span.End()
	span.SetEntity(table.Name, "")
	span.SetMetadata("paths", paths)

	columns := make([]*metadata.Column, len(groups))
	foreign := make([]*metadata.Table, len(groups))
	for i, g := range groups {
		col := table.Column(g.root)
		if col == nil || col.ForeignKey() == nil {
			span.SetStatus("error")
			return UnknownExpansionError(table.Name, g.root)
		}
		ft := p.registry.GetTable(col.ForeignKey().ForeignTable)
		if ft == nil {
			span.SetStatus("error")
			return UnknownExpansionError(table.Name, g.root)
		}
		columns[i], foreign[i] = col, ft
	}

	fetched := make([]map[string]metadata.Record, len(groups))
	eg, egctx := errgroup.WithContext(ctx)
	for i, g := range groups {
		ids := unhydratedIDs(records, g.root)
		if len(ids) == 0 {
			continue
		}
		eg.Go(func() error {
			expansionFetchesTotal.WithLabelValues(foreign[i].Name).Inc()
			expansionBatchSize.Observe(float64(len(ids)))
			found, err := p.findByID(egctx, foreign[i], g.children, ids)
			if HasCode(err, CodeUnauthorizedQuery) {
				// the caller sees nothing of the foreign table
				found, err = nil, nil
			}
			if err != nil {
				return err
			}
			byID := make(map[string]metadata.Record, len(found))
			for _, rec := range found {
				byID[rec.ID()] = rec
			}
			fetched[i] = byID
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		span.SetStatus("error")
		return err
	}

	for i, g := range groups {
		previous := hydratedRecords(records, g.root)
		for _, rec := range records {
			attachRelated(rec, columns[i], foreign[i], fetched[i])
		}
		if len(g.children) > 0 && len(previous) > 0 {
			if err := p.expand(ctx, foreign[i], previous, g.children); err != nil {
				span.SetStatus("error")
				return err
			}
		}
	}

	span.SetStatus("ok")
	return nil
}

// unhydratedIDs collects the distinct ids referenced by field across records
// whose reference carries no record yet, in first-seen order.
func unhydratedIDs(records []metadata.Record, field string) []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(rr *metadata.RelatedRecord) {
		if rr == nil || rr.Hydrated() || rr.ID == "" {
			return
		}
		if _, ok := seen[rr.ID]; ok {
			return
		}
		seen[rr.ID] = struct{}{}
		ids = append(ids, rr.ID)
	}
	for _, rec := range records {
		switch v := rec[field].(type) {
		case *metadata.RelatedRecord:
			add(v)
		case *metadata.RelatedRecordCollection:
			if v == nil {
				continue
			}
			for _, rr := range v.Records {
				add(rr)
			}
		}
	}
	return ids
}

// hydratedRecords returns the related records already loaded under field.
func hydratedRecords(records []metadata.Record, field string) []metadata.Record {
	var out []metadata.Record
	for _, rec := range records {
		switch v := rec[field].(type) {
		case *metadata.RelatedRecord:
			if v.Hydrated() {
				out = append(out, v.Record)
			}
		case *metadata.RelatedRecordCollection:
			if v == nil {
				continue
			}
			for _, rr := range v.Records {
				if rr.Hydrated() {
					out = append(out, rr.Record)
				}
			}
		}
	}
	return out
}

// attachRelated swaps the references under col for hydrated copies.
// References that were not found, or that the caller may not read, are
// dropped: a single reference loses its field and a collection loses the
// member.
func attachRelated(rec metadata.Record, col *metadata.Column, foreign *metadata.Table, found map[string]metadata.Record) {
	hydrate := func(rr *metadata.RelatedRecord) *metadata.RelatedRecord {
		if rr.Hydrated() {
			return rr
		}
		related, ok := found[rr.ID]
		if !ok {
			return nil
		}
		return &metadata.RelatedRecord{ID: rr.ID, Name: foreign.DisplayName(related), Record: related.Clone()}
	}

	switch v := rec[col.Name].(type) {
	case *metadata.RelatedRecord:
		if v == nil {
			return
		}
		if h := hydrate(v); h != nil {
			rec[col.Name] = h
		} else {
			delete(rec, col.Name)
		}
	case *metadata.RelatedRecordCollection:
		if v == nil {
			return
		}
		next := &metadata.RelatedRecordCollection{Records: make([]*metadata.RelatedRecord, 0, len(v.Records))}
		for _, rr := range v.Records {
			if h := hydrate(rr); h != nil {
				next.Records = append(next.Records, h)
			}
		}
		rec[col.Name] = next
	}
}
