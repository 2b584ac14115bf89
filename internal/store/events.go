package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"denim/internal/instrument"
)

var eventColumns = []string{
	"id", "trace_id", "span_id", "parent_span_id", "event_type", "source", "component",
	"action", "entity", "record_id", "user_id", "duration_ms", "status", "metadata", "created_at",
}

// WriteEvents inserts a batch of trace events into _events.
func (s *Store) WriteEvents(ctx context.Context, events []instrument.Event) error {
	if len(events) == 0 {
		return nil
	}
	pb := s.Dialect.NewParamBuilder()
	var rows []string
	for _, e := range events {
		var metaJSON any
		if e.Metadata != nil {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encode event metadata: %w", err)
			}
			metaJSON = string(b)
		}
		values := []any{
			uuid.NewString(), e.TraceID, e.SpanID, e.ParentSpanID, e.EventType, e.Source, e.Component,
			e.Action, e.Entity, e.RecordID, e.UserID, e.DurationMs, e.Status, metaJSON, s.Dialect.TimeParam(e.CreatedAt),
		}
		ph := make([]string, len(values))
		for i, v := range values {
			ph[i] = pb.Add(v)
		}
		rows = append(rows, "("+strings.Join(ph, ",")+")")
	}

	sqlStr := fmt.Sprintf("INSERT INTO _events (%s) VALUES %s", strings.Join(eventColumns, ","), strings.Join(rows, ","))
	if _, err := Exec(ctx, s.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// PruneEvents deletes events older than retentionDays.
func (s *Store) PruneEvents(ctx context.Context, retentionDays int) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	whereExpr := s.Dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	return Exec(ctx, s.DB, "DELETE FROM _events WHERE "+whereExpr, pb.Params()...)
}

// EventFilter narrows ListEvents. Empty fields do not filter.
type EventFilter struct {
	Source    string
	Component string
	Action    string
	Entity    string
	TraceID   string
	UserID    string
	Status    string
	Page      int
	PerPage   int
}

// ListEvents returns one page of events, newest first, and the total count.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]map[string]any, int, error) {
	pb := s.Dialect.NewParamBuilder()
	var conditions []string
	filters := []struct{ col, value string }{
		{"source", f.Source}, {"component", f.Component}, {"action", f.Action}, {"entity", f.Entity},
		{"trace_id", f.TraceID}, {"user_id", f.UserID}, {"status", f.Status},
	}
	for _, fl := range filters {
		if fl.value != "" {
			conditions = append(conditions, fmt.Sprintf("%s = %s", fl.col, pb.Add(fl.value)))
		}
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	countRow, err := QueryRow(ctx, s.DB, "SELECT COUNT(*) AS count FROM _events"+whereClause, pb.Params()...)
	if err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	total := toInt(countRow["count"])

	page, perPage := max(f.Page, 1), f.PerPage
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}
	limit := pb.Add(perPage)
	offset := pb.Add((page - 1) * perPage)
	dataSQL := fmt.Sprintf("SELECT %s FROM _events%s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		strings.Join(eventColumns, ", "), whereClause, limit, offset)
	rows, err := QueryRows(ctx, s.DB, dataSQL, pb.Params()...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	decodeEventMetadata(rows)
	return rows, total, nil
}

// TraceEvents returns every event of one trace in chronological order.
func (s *Store) TraceEvents(ctx context.Context, traceID string) ([]map[string]any, error) {
	sqlStr := fmt.Sprintf("SELECT %s FROM _events WHERE trace_id = %s ORDER BY created_at ASC",
		strings.Join(eventColumns, ", "), s.Dialect.Placeholder(1))
	rows, err := QueryRows(ctx, s.DB, sqlStr, traceID)
	if err != nil {
		return nil, fmt.Errorf("trace events: %w", err)
	}
	decodeEventMetadata(rows)
	return rows, nil
}

func decodeEventMetadata(rows []map[string]any) {
	for _, row := range rows {
		if s, ok := row["metadata"].(string); ok && s != "" {
			var m map[string]any
			if json.Unmarshal([]byte(s), &m) == nil {
				row["metadata"] = m
			}
		}
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
