package query

import "denim/internal/metadata"

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Filter returns the records matching cond, preserving order.
func Filter(table *metadata.Table, records []metadata.Record, cond *metadata.Condition) ([]metadata.Record, error) {
	if cond.IsEmpty() && !cond.IsGroup() {
		return records, nil
	}
	out := make([]metadata.Record, 0, len(records))
	for _, rec := range records {
		ok, err := Matches(table, rec, cond)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// PageBounds returns the 1-based page and the page size a query asks for,
// applying defaults and the upper limit.
func PageBounds(q *metadata.Query) (page, size int) {
	page, size = 1, DefaultPageSize
	if q == nil {
		return page, size
	}
	if q.Page > 0 {
		page = q.Page
	}
	if q.PageSize > 0 {
		size = min(q.PageSize, MaxPageSize)
	}
	return page, size
}

// Paginate slices records to the requested page. RetrieveAll bypasses paging.
func Paginate(records []metadata.Record, q *metadata.Query) []metadata.Record {
	if q != nil && q.RetrieveAll {
		return records
	}
	page, size := PageBounds(q)
	start := (page - 1) * size
	if start >= len(records) {
		return []metadata.Record{}
	}
	end := min(start+size, len(records))
	return records[start:end]
}

// Apply filters and paginates records locally, for backends that cannot
// filter natively.
func Apply(table *metadata.Table, records []metadata.Record, q *metadata.Query) ([]metadata.Record, error) {
	var cond *metadata.Condition
	if q != nil {
		cond = q.Conditions
	}
	filtered, err := Filter(table, records, cond)
	if err != nil {
		return nil, err
	}
	return Paginate(filtered, q), nil
}
