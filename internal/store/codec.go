package store

import (
	"encoding/json"
	"fmt"

	"denim/internal/metadata"
	"denim/internal/query"
)

// encodeValue converts a record value into the parameter stored for col.
// Foreign keys are stored as ids: text for single references, a JSON array
// for collections. Multi-selects are stored as JSON arrays too.
func encodeValue(d Dialect, col *metadata.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := col.Type.(type) {
	case metadata.NumberType:
		f, ok := query.ToFloat(v)
		if !ok {
			return nil, fmt.Errorf("column %s: %v is not a number", col.Name, v)
		}
		return f, nil
	case metadata.BooleanType:
		b, ok := query.ToBool(v)
		if !ok {
			return nil, fmt.Errorf("column %s: %v is not a boolean", col.Name, v)
		}
		return b, nil
	case metadata.DateTimeType:
		tm, ok := query.ParseTime(v)
		if !ok {
			return nil, fmt.Errorf("column %s: %v is not a date-time", col.Name, v)
		}
		return d.TimeParam(tm), nil
	case metadata.MultiSelectType:
		return encodeList(query.ToStrings(v))
	case metadata.ForeignKeyType:
		ids := metadata.ReferenceIDs(v)
		if t.Multiple {
			return encodeList(ids)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return ids[0], nil
	case metadata.ReadOnlyType:
		if s, ok := v.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		return string(b), nil
	}
	return query.ToText(v), nil
}

func encodeList(items []string) (any, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// decodeValue turns a stored value back into the record representation of
// col.
func decodeValue(col *metadata.Column, v any) any {
	if v == nil {
		return nil
	}
	switch t := col.Type.(type) {
	case metadata.NumberType:
		if f, ok := query.ToFloat(v); ok {
			return f
		}
	case metadata.BooleanType:
		if n, ok := v.(int64); ok {
			return n != 0
		}
		if b, ok := query.ToBool(v); ok {
			return b
		}
	case metadata.DateTimeType:
		if tm, ok := query.ParseTime(v); ok {
			return tm
		}
	case metadata.MultiSelectType:
		return query.ToStrings(v)
	case metadata.ForeignKeyType:
		if t.Multiple {
			c := &metadata.RelatedRecordCollection{Records: []*metadata.RelatedRecord{}}
			for _, id := range query.ToStrings(v) {
				c.Records = append(c.Records, &metadata.RelatedRecord{ID: id})
			}
			return c
		}
		return metadata.ToRelatedRecord(query.ToText(v))
	case metadata.TextType, metadata.SelectType:
		return query.ToText(v)
	}
	return v
}
