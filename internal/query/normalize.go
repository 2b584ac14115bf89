package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"denim/internal/metadata"
)

// dateLayouts are tried in order when a date-time value arrives as text.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses a date-time value in any of the accepted layouts.
func ParseTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case *time.Time:
		if tv == nil {
			return time.Time{}, false
		}
		return *tv, true
	case string:
		s := strings.TrimSpace(tv)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	case float64:
		return time.UnixMilli(int64(tv)).UTC(), true
	case int64:
		return time.UnixMilli(tv).UTC(), true
	}
	return time.Time{}, false
}

// ToFloat coerces numeric values and numeric text to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// ToBool coerces booleans and their text forms.
func ToBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}

// ToText coerces a scalar to NFC-normalized text.
func ToText(v any) string {
	var s string
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		s = tv
	case *metadata.RelatedRecord:
		s = tv.ID
	case float64:
		s = strconv.FormatFloat(tv, 'f', -1, 64)
	case time.Time:
		s = tv.Format(time.RFC3339)
	default:
		s = fmt.Sprint(v)
	}
	return norm.NFC.String(s)
}

// ToStrings coerces a multi-valued field to its elements as text.
func ToStrings(v any) []string {
	switch tv := v.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, len(tv))
		for i, s := range tv {
			out[i] = norm.NFC.String(s)
		}
		return out
	case []any:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			out = append(out, ToText(item))
		}
		return out
	case string:
		if tv == "" {
			return nil
		}
		var decoded []string
		if strings.HasPrefix(tv, "[") && json.Unmarshal([]byte(tv), &decoded) == nil {
			return ToStrings(decoded)
		}
		return []string{norm.NFC.String(tv)}
	}
	return []string{ToText(v)}
}

// Normalize reduces a field value to its comparable form for the column:
// float64 for numbers, bool for booleans, time.Time for date-times, []string
// for multi-valued columns and foreign keys, string otherwise. Values that
// cannot be coerced normalize to nil.
func Normalize(col *metadata.Column, v any) any {
	if v == nil {
		return nil
	}
	switch t := col.Type.(type) {
	case metadata.NumberType:
		if f, ok := ToFloat(v); ok {
			return f
		}
		return nil
	case metadata.BooleanType:
		if b, ok := ToBool(v); ok {
			return b
		}
		return nil
	case metadata.DateTimeType:
		if tm, ok := ParseTime(v); ok {
			return tm
		}
		return nil
	case metadata.MultiSelectType:
		return ToStrings(v)
	case metadata.ForeignKeyType:
		ids := metadata.ReferenceIDs(v)
		if ids == nil {
			return nil
		}
		if !t.Multiple && len(ids) == 0 {
			return nil
		}
		return ids
	}
	return ToText(v)
}

// NormalizeOperand reduces the right-hand side of a condition. Related-record
// references become their id; list operands on multi-valued columns become
// []string.
func NormalizeOperand(col *metadata.Column, v any) any {
	if v == nil {
		return nil
	}
	switch col.Type.(type) {
	case metadata.ForeignKeyType, metadata.MultiSelectType:
		switch v.(type) {
		case []any, []string, *metadata.RelatedRecordCollection:
			if _, fk := col.Type.(metadata.ForeignKeyType); fk {
				return metadata.ReferenceIDs(v)
			}
			return ToStrings(v)
		}
		if rr := metadata.ToRelatedRecord(v); rr != nil {
			return norm.NFC.String(rr.ID)
		}
		return ToText(v)
	}
	return Normalize(col, v)
}

// sameDate reports whether a and b fall on the same calendar day.
func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
