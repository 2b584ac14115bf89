package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denim/internal/metadata"
)

func workflowRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(&metadata.AppDefinition{
		Name:   "hr",
		Tables: hrTables(),
		Workflows: []*metadata.Workflow{{
			Name: "request-leave",
			Inputs: []metadata.Column{
				{Name: "Days", Label: "Days", Type: metadata.NumberType{}, Required: true},
				{Name: "Reason", Label: "Reason", Type: metadata.TextType{}},
			},
			Guard: "input.Days <= 20 || 'manager' in caller.roles",
		}},
	}))
	return reg
}

func TestWorkflows_Execute(t *testing.T) {
	wf := NewWorkflows(workflowRegistry(t), nil, nil, nil)

	var got metadata.Record
	wf.Register("request-leave", func(_ context.Context, input metadata.Record, caller *metadata.UserContext) (any, error) {
		got = input
		return map[string]any{"requestedBy": caller.ID}, nil
	})

	caller := &metadata.UserContext{ID: "e2", Roles: []string{"employee"}}
	result, err := wf.Execute(context.Background(), "request-leave", metadata.Record{"Days": 3}, caller)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"requestedBy": "e2"}, result)
	assert.Equal(t, float64(3), got["Days"], "input reaches the function validated")
	assert.Equal(t, []string{"request-leave"}, wf.Names())
}

func TestWorkflows_ValidatesInput(t *testing.T) {
	wf := NewWorkflows(workflowRegistry(t), nil, nil, nil)
	called := false
	wf.Register("request-leave", func(context.Context, metadata.Record, *metadata.UserContext) (any, error) {
		called = true
		return nil, nil
	})

	_, err := wf.Execute(context.Background(), "request-leave", metadata.Record{"Reason": "trip"}, &metadata.UserContext{ID: "e2"})
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, CodeValidationFailed, appErr.Code)
	assert.False(t, called)
}

func TestWorkflows_Guard(t *testing.T) {
	wf := NewWorkflows(workflowRegistry(t), nil, nil, nil)
	wf.Register("request-leave", func(context.Context, metadata.Record, *metadata.UserContext) (any, error) {
		return "ok", nil
	})
	ctx := context.Background()

	_, err := wf.Execute(ctx, "request-leave", metadata.Record{"Days": 25}, &metadata.UserContext{ID: "e2", Roles: []string{"employee"}})
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, CodeForbidden, appErr.Code)

	result, err := wf.Execute(ctx, "request-leave", metadata.Record{"Days": 25}, &metadata.UserContext{ID: "e1", Roles: []string{"manager"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestWorkflows_Unknown(t *testing.T) {
	wf := NewWorkflows(workflowRegistry(t), nil, nil, nil)

	// defined but no function registered
	_, err := wf.Execute(context.Background(), "request-leave", nil, &metadata.UserContext{ID: "e1"})
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, CodeUnknownWorkflow, appErr.Code)

	_, err = wf.Execute(context.Background(), "payroll", nil, &metadata.UserContext{ID: "e1"})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, CodeUnknownWorkflow, appErr.Code)
}
