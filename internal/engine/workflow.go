package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"denim/internal/instrument"
	"denim/internal/metadata"
)

// WorkflowFunc is the server-side body of a workflow. It receives the
// validated input and the caller, and usually works through the provider.
type WorkflowFunc func(ctx context.Context, input metadata.Record, caller *metadata.UserContext) (any, error)

// Workflows binds workflow definitions from the registry to registered
// functions.
type Workflows struct {
	mu        sync.RWMutex
	funcs     map[string]WorkflowFunc
	registry  *metadata.Registry
	compiler  ValidatorCompiler
	evaluator ExpressionEvaluator
	logger    *zap.SugaredLogger
}

func NewWorkflows(reg *metadata.Registry, compiler ValidatorCompiler, evaluator ExpressionEvaluator, logger *zap.SugaredLogger) *Workflows {
	if compiler == nil {
		compiler = SchemaCompiler{}
	}
	if evaluator == nil {
		evaluator = NewExprLangEvaluator()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Workflows{
		funcs:     make(map[string]WorkflowFunc),
		registry:  reg,
		compiler:  compiler,
		evaluator: evaluator,
		logger:    logger,
	}
}

// Register binds fn to the workflow called name.
func (w *Workflows) Register(name string, fn WorkflowFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.funcs[name] = fn
}

// Names returns the workflows that have both a definition and a function.
func (w *Workflows) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var names []string
	for _, wf := range w.registry.AllWorkflows() {
		if _, ok := w.funcs[wf.Name]; ok {
			names = append(names, wf.Name)
		}
	}
	return names
}

// Execute validates input against the workflow's input schema, checks the
// guard and invokes the registered function.
func (w *Workflows) Execute(ctx context.Context, name string, input metadata.Record, caller *metadata.UserContext) (any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "workflow", "workflow.execute")
	defer span.End()
	span.SetMetadata("workflow", name)

	def := w.registry.GetWorkflow(name)
	w.mu.RLock()
	fn, ok := w.funcs[name]
	w.mu.RUnlock()
	if def == nil || !ok {
		span.SetStatus("error")
		return nil, UnknownWorkflowError(name)
	}
	if caller == nil {
		span.SetStatus("error")
		return nil, UnauthorizedError("workflow requires an authenticated caller")
	}

	validator, err := w.compiler.Compile(def.InputTable())
	if err != nil {
		span.SetStatus("error")
		return nil, fmt.Errorf("compile workflow %s input: %w", name, err)
	}
	if input == nil {
		input = metadata.Record{}
	}
	input = input.Clone()
	metadata.NormalizeRelations(def.InputTable(), input)
	validated, err := validator.Validate(input, nil, metadata.ActionCreate)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	if def.Guard != "" {
		env := map[string]any{
			"input":  exprRecord(validated),
			"caller": callerEnv(caller),
		}
		allowed, err := w.evaluator.EvaluateBool(def.Guard, env)
		if err != nil {
			span.SetStatus("error")
			return nil, fmt.Errorf("workflow %s guard: %w", name, err)
		}
		if !allowed {
			span.SetStatus("error")
			return nil, ForbiddenError(fmt.Sprintf("workflow %s is not available to this caller", name))
		}
	}

	result, err := fn(ctx, validated, caller)
	if err != nil {
		span.SetStatus("error")
		w.logger.Warnw("workflow failed", "workflow", name, "caller", caller.ID, "error", err)
		return nil, err
	}
	span.SetStatus("ok")
	return result, nil
}

func callerEnv(caller *metadata.UserContext) map[string]any {
	return map[string]any{
		"id":     caller.ID,
		"roles":  caller.Roles,
		"admin":  caller.IsAdmin(),
		"record": exprRecord(caller.Record),
	}
}
