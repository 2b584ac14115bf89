package instrument

import "context"

var discard Instrumenter = noopInstrumenter{}

// noopInstrumenter is used when instrumentation is disabled or the request
// was sampled out.
type noopInstrumenter struct{}

func (noopInstrumenter) StartSpan(ctx context.Context, _, _, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopInstrumenter) RecordChange(context.Context, Change) {}

type noopSpan struct{}

func (noopSpan) End() {}
func (noopSpan) SetStatus(string) {}
func (noopSpan) SetMetadata(string, any) {}
func (noopSpan) SetEntity(string, string) {}
func (noopSpan) TraceID() string { return "" }
func (noopSpan) SpanID() string { return "" }
