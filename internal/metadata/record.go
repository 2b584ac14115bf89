package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	RelatedRecordType     = "record"
	RelatedCollectionType = "record-collection"
)

// Record is an open map of column values. Foreign key columns hold
// *RelatedRecord or *RelatedRecordCollection values.
type Record map[string]any

// ID returns the record id, or "" when the record has not been stored yet.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	return toText(v)
}

// Clone returns a shallow copy of the record. Related values are copied one
// level deep so hydration of the copy does not leak into the original.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		switch rv := v.(type) {
		case *RelatedRecord:
			cp := *rv
			out[k] = &cp
		case *RelatedRecordCollection:
			cp := &RelatedRecordCollection{Records: make([]*RelatedRecord, len(rv.Records))}
			for i, rr := range rv.Records {
				item := *rr
				cp.Records[i] = &item
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// RelatedRecord is a lazy reference to a record of another table. Record is
// set only once the reference has been expanded.
type RelatedRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Record Record `json:"record,omitempty"`
}

// Hydrated reports whether the referenced record has been loaded.
func (r *RelatedRecord) Hydrated() bool {
	return r != nil && r.Record != nil
}

func (r *RelatedRecord) MarshalJSON() ([]byte, error) {
	type alias RelatedRecord
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{RelatedRecordType, (*alias)(r)})
}

// RelatedRecordCollection holds the references of a multi-valued foreign key,
// in backend order.
type RelatedRecordCollection struct {
	Records []*RelatedRecord `json:"records"`
}

func (c *RelatedRecordCollection) MarshalJSON() ([]byte, error) {
	records := c.Records
	if records == nil {
		records = []*RelatedRecord{}
	}
	return json.Marshal(struct {
		Type    string           `json:"type"`
		Records []*RelatedRecord `json:"records"`
	}{RelatedCollectionType, records})
}

// IDs returns the ids of all references in the collection.
func (c *RelatedRecordCollection) IDs() []string {
	ids := make([]string, 0, len(c.Records))
	for _, r := range c.Records {
		ids = append(ids, r.ID)
	}
	return ids
}

// ToRelatedRecord converts a decoded wire value (string id, map with id, or
// *RelatedRecord) into a reference. It returns nil for nil or unusable values.
func ToRelatedRecord(v any) *RelatedRecord {
	switch rv := v.(type) {
	case nil:
		return nil
	case *RelatedRecord:
		return rv
	case RelatedRecord:
		return &rv
	case string:
		if rv == "" {
			return nil
		}
		return &RelatedRecord{ID: rv}
	case map[string]any:
		id, ok := rv["id"]
		if !ok || id == nil {
			return nil
		}
		rr := &RelatedRecord{ID: toText(id)}
		if name, ok := rv["name"].(string); ok {
			rr.Name = name
		}
		switch nested := rv["record"].(type) {
		case map[string]any:
			rr.Record = Record(nested)
		case Record:
			rr.Record = nested
		}
		return rr
	case Record:
		return ToRelatedRecord(map[string]any(rv))
	case float64, int, int64:
		return &RelatedRecord{ID: toText(rv)}
	}
	return nil
}

// ToRelatedCollection converts a decoded wire value into a collection of
// references. Single references are wrapped in a one-element collection.
func ToRelatedCollection(v any) *RelatedRecordCollection {
	switch rv := v.(type) {
	case nil:
		return nil
	case *RelatedRecordCollection:
		return rv
	case []*RelatedRecord:
		return &RelatedRecordCollection{Records: rv}
	case []string:
		c := &RelatedRecordCollection{}
		for _, id := range rv {
			if id != "" {
				c.Records = append(c.Records, &RelatedRecord{ID: id})
			}
		}
		return c
	case []any:
		c := &RelatedRecordCollection{}
		for _, item := range rv {
			if rr := ToRelatedRecord(item); rr != nil {
				c.Records = append(c.Records, rr)
			}
		}
		return c
	case map[string]any:
		if rv["type"] == RelatedCollectionType {
			return ToRelatedCollection(rv["records"])
		}
	}
	if rr := ToRelatedRecord(v); rr != nil {
		return &RelatedRecordCollection{Records: []*RelatedRecord{rr}}
	}
	return nil
}

// NormalizeRelations replaces wire-shaped foreign key values of rec with
// *RelatedRecord / *RelatedRecordCollection values, in place.
func NormalizeRelations(table *Table, rec Record) {
	for _, col := range table.ForeignKeys() {
		v, ok := rec[col.Name]
		if !ok || v == nil {
			continue
		}
		if col.ForeignKey().Multiple {
			rec[col.Name] = ToRelatedCollection(v)
		} else {
			rec[col.Name] = ToRelatedRecord(v)
		}
	}
}

// ReferenceIDs reduces a foreign key value to the referenced id(s).
func ReferenceIDs(v any) []string {
	switch rv := v.(type) {
	case nil:
		return nil
	case *RelatedRecordCollection:
		if rv == nil {
			return nil
		}
		return rv.IDs()
	case *RelatedRecord:
		if rv == nil {
			return nil
		}
		return []string{rv.ID}
	}
	if c := ToRelatedCollection(v); c != nil {
		return c.IDs()
	}
	return nil
}

func toText(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case time.Time:
		return tv.Format(time.RFC3339)
	case fmt.Stringer:
		return tv.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
