package engine

import (
	"strings"
	"time"

	"denim/internal/metadata"
	"denim/internal/query"
)

// diffRecord returns the fields of next whose normalized value differs from
// existing, plus the id. Only keys present in next are compared; nil and
// absent count as equal. Read-only columns are never part of the payload.
func diffRecord(table *metadata.Table, existing, next metadata.Record) metadata.Record {
	changes := metadata.Record{}
	for name, val := range next {
		if name == "id" {
			continue
		}
		col := table.Column(name)
		if col == nil {
			continue
		}
		if _, ro := col.Type.(metadata.ReadOnlyType); ro {
			continue
		}
		if !sameValue(col, existing[name], val) {
			changes[name] = val
		}
	}
	if len(changes) == 0 {
		return nil
	}
	changes["id"] = existing.ID()
	return changes
}

// writablePayload strips read-only columns from a record about to be
// inserted.
func writablePayload(table *metadata.Table, rec metadata.Record) metadata.Record {
	out := make(metadata.Record, len(rec))
	for name, val := range rec {
		if col := table.Column(name); col != nil {
			if _, ro := col.Type.(metadata.ReadOnlyType); ro {
				continue
			}
		}
		out[name] = val
	}
	return out
}

func sameValue(col *metadata.Column, a, b any) bool {
	na, nb := query.Normalize(col, a), query.Normalize(col, b)
	if na == nil || nb == nil {
		return na == nil && nb == nil
	}
	switch av := na.(type) {
	case []string:
		bv, ok := nb.([]string)
		return ok && strings.Join(av, "\x00") == strings.Join(bv, "\x00")
	case time.Time:
		bv, ok := nb.(time.Time)
		return ok && av.Equal(bv)
	}
	return na == nb
}
