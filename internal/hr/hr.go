// Package hr is the built-in HR application: its definition, the workflows
// behind leave requests and the first-start seed.
package hr

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.uber.org/zap"

	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/query"
)

//go:embed app.yaml
var Definition []byte

const (
	EmployeeTable     = "Employee"
	DepartmentTable   = "Department"
	LeaveRequestTable = "Leave Request"
	AttendanceTable   = "Attendance"

	StatusPending  = "Pending"
	StatusApproved = "Approved"
	StatusRejected = "Rejected"
)

// App wires the HR behaviour into a provider.
type App struct {
	provider *engine.Provider
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// Install registers the leave request hook on hooks and the HR workflow
// functions on wf.
func Install(p *engine.Provider, hooks *engine.Hooks, wf *engine.Workflows, logger *zap.SugaredLogger) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	app := &App{provider: p, logger: logger, now: time.Now}
	engine.Register(hooks, engine.Exact(LeaveRequestTable), engine.PreCreate, app.stampLeaveRequest)
	wf.Register("request-leave", app.RequestLeave)
	wf.Register("decide-leave", app.DecideLeave)
	return app
}

// stampLeaveRequest fills in the requester and opens every new request as
// pending. Only system callers may create a request in another state.
func (a *App) stampLeaveRequest(ctx context.Context, _ *metadata.Table, args engine.WriteArgs) (engine.WriteArgs, error) {
	caller := metadata.UserFromContext(ctx)
	if caller != nil && !caller.System {
		if args.Record["Employee"] == nil {
			args.Record["Employee"] = &metadata.RelatedRecord{ID: caller.ID}
		}
		args.Record["Status"] = StatusPending
	} else if args.Record["Status"] == nil {
		args.Record["Status"] = StatusPending
	}
	if args.Record["Requested At"] == nil {
		args.Record["Requested At"] = a.now().UTC()
	}
	return args, nil
}

// RequestLeave files a leave request for the caller, routed to their
// manager. The requested days must fit the caller's leave balance.
func (a *App) RequestLeave(ctx context.Context, input metadata.Record, caller *metadata.UserContext) (any, error) {
	start, _ := query.ParseTime(input["Start Date"])
	end, _ := query.ParseTime(input["End Date"])
	if end.Before(start) {
		return nil, engine.ValidationError([]engine.ErrorDetail{
			{Field: "End Date", Rule: "range", Message: "must not be before Start Date"},
		})
	}
	days := float64(int(end.Sub(start).Hours()/24) + 1)

	employee, err := a.provider.RetrieveRecord(metadata.WithUser(ctx, metadata.SystemUser), EmployeeTable, caller.ID, nil)
	if err != nil {
		return nil, err
	}
	if employee == nil {
		return nil, engine.ForbiddenError("only employees can request leave")
	}
	if balance, ok := query.ToFloat(employee["Leave Balance"]); ok && days > balance {
		return nil, engine.ValidationError([]engine.ErrorDetail{
			{Field: "End Date", Rule: "balance", Message: fmt.Sprintf("%g days requested, %g left", days, balance)},
		})
	}

	rec := metadata.Record{
		"Employee":   caller.ID,
		"Start Date": start,
		"End Date":   end,
		"Days":       days,
	}
	if reason := input["Reason"]; reason != nil {
		rec["Reason"] = reason
	}
	if ids := metadata.ReferenceIDs(employee["Manager"]); len(ids) == 1 {
		rec["Approver"] = ids[0]
	}
	created, err := a.provider.CreateRecord(ctx, LeaveRequestTable, rec)
	if err != nil {
		return nil, err
	}
	a.logger.Infow("leave requested", "employee", caller.ID, "request", created.ID(), "days", days)
	return created, nil
}

// DecideLeave approves or rejects a pending request the caller may update.
// Approval deducts the days from the requester's balance.
func (a *App) DecideLeave(ctx context.Context, input metadata.Record, caller *metadata.UserContext) (any, error) {
	id := query.ToText(input["Request"])
	request, err := a.provider.RetrieveRecord(ctx, LeaveRequestTable, id, nil)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, engine.NotFoundError(LeaveRequestTable, id)
	}
	if request["Status"] != StatusPending {
		return nil, engine.NewAppError("INVALID_STATE", 409, fmt.Sprintf("Leave request %s is already %v", id, request["Status"]))
	}

	decision := query.ToText(input["Decision"])
	updated, err := a.provider.UpdateRecord(ctx, LeaveRequestTable, id, metadata.Record{
		"Status":     decision,
		"Decided At": a.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if decision == StatusApproved {
		if err := a.deductBalance(ctx, updated); err != nil {
			return nil, err
		}
	}
	a.logger.Infow("leave decided", "request", id, "decision", decision, "by", caller.ID)
	return updated, nil
}

// deductBalance runs as the system caller: approvers rarely hold update
// rights on the requester's employee record.
func (a *App) deductBalance(ctx context.Context, request metadata.Record) error {
	ids := metadata.ReferenceIDs(request["Employee"])
	if len(ids) != 1 {
		return nil
	}
	sys := metadata.WithUser(ctx, metadata.SystemUser)
	employee, err := a.provider.RetrieveRecord(sys, EmployeeTable, ids[0], nil)
	if err != nil || employee == nil {
		return err
	}
	balance, ok := query.ToFloat(employee["Leave Balance"])
	if !ok {
		return nil
	}
	days, _ := query.ToFloat(request["Days"])
	_, err = a.provider.UpdateRecord(sys, EmployeeTable, ids[0], metadata.Record{"Leave Balance": balance - days})
	return err
}
