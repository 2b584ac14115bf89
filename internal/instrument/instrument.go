// Package instrument records engine activity as events: timed spans around
// provider operations and one-shot change events for committed writes.
// Events are buffered and flushed to the event store.
package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"denim/internal/metadata"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	instrumenterKey
)

// Instrumenter opens spans and records changes for the request it is bound to.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	RecordChange(ctx context.Context, change Change)
}

type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(table, recordID string)
	TraceID() string
	SpanID() string
}

// Change is a write that reached the backend.
type Change struct {
	Action   metadata.Action
	Table    string
	RecordID string

	// Fields names the fields the caller wrote; empty for deletes.
	Fields []string
}

// Event is one row of the event store. Optional columns are pointers so they
// are written as NULL.
type Event struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	Entity       *string        `json:"entity"`
	RecordID     *string        `json:"record_id"`
	UserID       *string        `json:"user_id"`
	DurationMs   *float64       `json:"duration_ms"`
	Status       *string        `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

const (
	EventTypeSystem = "system"
	EventTypeChange = "change"
)

// position is where a context sits in a request's span tree.
type position struct {
	traceID string
	spanID  string
}

func positionOf(ctx context.Context) position {
	p, _ := ctx.Value(traceKey).(position)
	return p
}

// WithTraceID starts a new trace on ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, position{traceID: traceID})
}

func GetTraceID(ctx context.Context) string {
	return positionOf(ctx).traceID
}

func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter bound to ctx, or one that
// discards everything.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return discard
}

// Recorder enqueues every span and change on an EventBuffer.
type Recorder struct {
	buffer *EventBuffer
}

func NewRecorder(buffer *EventBuffer) *Recorder {
	return &Recorder{buffer: buffer}
}

// newEvent fills in the trace, a fresh span id and the caller. System
// callers are not attributed.
func newEvent(ctx context.Context, eventType, source, component, action string) Event {
	pos := positionOf(ctx)
	ev := Event{
		TraceID:   pos.traceID,
		SpanID:    uuid.New().String(),
		EventType: eventType,
		Source:    source,
		Component: component,
		Action:    action,
	}
	if pos.spanID != "" {
		parent := pos.spanID
		ev.ParentSpanID = &parent
	}
	if user := metadata.UserFromContext(ctx); user != nil && !user.System && user.ID != "" {
		id := user.ID
		ev.UserID = &id
	}
	return ev
}

// StartSpan opens a span; spans started from the returned context are its
// children.
func (r *Recorder) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	s := &recordedSpan{
		event:  newEvent(ctx, EventTypeSystem, source, component, action),
		start:  time.Now(),
		buffer: r.buffer,
	}
	pos := positionOf(ctx)
	pos.spanID = s.event.SpanID
	return context.WithValue(ctx, traceKey, pos), s
}

func (r *Recorder) RecordChange(ctx context.Context, change Change) {
	ev := newEvent(ctx, EventTypeChange, "engine", "record", string(change.Action))
	ev.Entity = &change.Table
	if change.RecordID != "" {
		id := change.RecordID
		ev.RecordID = &id
	}
	if len(change.Fields) > 0 {
		ev.Metadata = map[string]any{"fields": change.Fields}
	}
	ok := "ok"
	ev.Status = &ok
	r.buffer.Enqueue(ev)
}

type recordedSpan struct {
	mu     sync.Mutex
	event  Event
	start  time.Time
	buffer *EventBuffer
	ended  bool
}

func (s *recordedSpan) TraceID() string { return s.event.TraceID }
func (s *recordedSpan) SpanID() string { return s.event.SpanID }

func (s *recordedSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.Status = &status
}

func (s *recordedSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.event.Metadata == nil {
		s.event.Metadata = make(map[string]any)
	}
	s.event.Metadata[key] = value
}

func (s *recordedSpan) SetEntity(table, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event.Entity = &table
	if recordID != "" {
		s.event.RecordID = &recordID
	}
}

// End enqueues the span once; later calls are ignored.
func (s *recordedSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	ms := float64(time.Since(s.start).Microseconds()) / 1000.0
	s.event.DurationMs = &ms
	s.buffer.Enqueue(s.event)
}
