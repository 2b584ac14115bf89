package hr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denim/internal/authz"
	"denim/internal/config"
	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/store"
)

type fixture struct {
	provider   *engine.Provider
	authorizer *authz.Authorizer
	workflows  *engine.Workflows
}

// newFixture loads the HR definition over a memory backend with one
// department of three people and a manager elsewhere.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	def, err := metadata.ParseDefinition(Definition)
	require.NoError(t, err)
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(def))

	a := authz.New(reg, EmployeeTable, nil)
	require.NoError(t, a.ValidateRoles())

	backend := store.NewMemoryBackend()
	backend.Seed(reg.GetTable(DepartmentTable),
		metadata.Record{"id": "d1", "Name": "Engineering"},
		metadata.Record{"id": "d2", "Name": "Sales"},
	)
	backend.Seed(reg.GetTable(EmployeeTable),
		metadata.Record{"id": "e1", "Name": "Mia", "Email": "mia@hr.test", "Department": "d1", "Access Level": "Manager", "Salary": 9000.0, "Leave Balance": 20.0},
		metadata.Record{"id": "e2", "Name": "Eve", "Email": "eve@hr.test", "Department": "d1", "Manager": "e1", "Access Level": "Employee", "Salary": 5000.0, "Leave Balance": 5.0},
		metadata.Record{"id": "e3", "Name": "Ada", "Email": "ada@hr.test", "Access Level": "Administrator", "Leave Balance": 25.0},
		metadata.Record{"id": "e4", "Name": "Sam", "Email": "sam@hr.test", "Department": "d2", "Access Level": "Manager", "Leave Balance": 20.0},
	)

	hooks := engine.NewHooks()
	a.Register(hooks)
	p := engine.NewProvider(reg, engine.NewBackendSet(backend), hooks, nil, nil)
	wf := engine.NewWorkflows(reg, nil, nil, nil)
	app := Install(p, hooks, wf, nil)
	app.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return &fixture{provider: p, authorizer: a, workflows: wf}
}

// caller resolves an employee the way the login middleware does.
func (f *fixture) caller(t *testing.T, id string) *metadata.UserContext {
	t.Helper()
	rec, err := f.provider.RetrieveRecord(metadata.WithUser(context.Background(), metadata.SystemUser), EmployeeTable, id, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	user := &metadata.UserContext{ID: id, Record: rec}
	roles, err := f.authorizer.ApplicableRoles(user)
	require.NoError(t, err)
	for _, r := range roles {
		user.Roles = append(user.Roles, r.ID)
	}
	return user
}

func (f *fixture) run(t *testing.T, name, as string, input metadata.Record) (metadata.Record, error) {
	t.Helper()
	user := f.caller(t, as)
	out, err := f.workflows.Execute(metadata.WithUser(context.Background(), user), name, input, user)
	if err != nil {
		return nil, err
	}
	return out.(metadata.Record), nil
}

func appCode(err error) string {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func refID(v any) string {
	ids := metadata.ReferenceIDs(v)
	if len(ids) != 1 {
		return ""
	}
	return ids[0]
}

func TestRoleAssignment(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"Employee"}, f.caller(t, "e2").Roles)
	assert.Equal(t, []string{"Employee", "Manager"}, f.caller(t, "e1").Roles)
	assert.Equal(t, []string{"Employee", "Administrator"}, f.caller(t, "e3").Roles)
}

func TestRequestLeave(t *testing.T) {
	f := newFixture(t)

	req, err := f.run(t, "request-leave", "e2", metadata.Record{
		"Start Date": "2026-03-02", "End Date": "2026-03-04", "Reason": "Family visit",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID())
	assert.Equal(t, "e2", refID(req["Employee"]))
	assert.Equal(t, "e1", refID(req["Approver"]), "routed to the requester's manager")
	assert.Equal(t, 3.0, req["Days"])
	assert.Equal(t, StatusPending, req["Status"])
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), req["Requested At"])
}

func TestRequestLeave_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "request-leave", "e2", metadata.Record{"Start Date": "2026-03-02", "End Date": "2026-03-20"})
	assert.Equal(t, engine.CodeValidationFailed, appCode(err), "more days than the balance")

	_, err = f.run(t, "request-leave", "e2", metadata.Record{"Start Date": "2026-03-04", "End Date": "2026-03-02"})
	assert.Equal(t, engine.CodeValidationFailed, appCode(err), "end before start")

	_, err = f.run(t, "request-leave", "e2", metadata.Record{"Start Date": "2026-03-04"})
	assert.Equal(t, engine.CodeValidationFailed, appCode(err), "missing end date")
}

func TestDecideLeave_Approve(t *testing.T) {
	f := newFixture(t)
	req, err := f.run(t, "request-leave", "e2", metadata.Record{"Start Date": "2026-03-02", "End Date": "2026-03-04"})
	require.NoError(t, err)

	decided, err := f.run(t, "decide-leave", "e1", metadata.Record{"Request": req.ID(), "Decision": "Approved"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided["Status"])
	assert.NotNil(t, decided["Decided At"])

	eve := f.caller(t, "e2")
	assert.Equal(t, 2.0, eve.Record["Leave Balance"], "approved days are deducted")

	_, err = f.run(t, "decide-leave", "e1", metadata.Record{"Request": req.ID(), "Decision": "Rejected"})
	assert.Equal(t, "INVALID_STATE", appCode(err))
}

func TestDecideLeave_RejectKeepsBalance(t *testing.T) {
	f := newFixture(t)
	req, err := f.run(t, "request-leave", "e2", metadata.Record{"Start Date": "2026-03-02", "End Date": "2026-03-02"})
	require.NoError(t, err)

	decided, err := f.run(t, "decide-leave", "e3", metadata.Record{"Request": req.ID(), "Decision": "Rejected"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, decided["Status"])
	assert.Equal(t, 5.0, f.caller(t, "e2").Record["Leave Balance"])
}

func TestDecideLeave_Denied(t *testing.T) {
	f := newFixture(t)
	req, err := f.run(t, "request-leave", "e2", metadata.Record{"Start Date": "2026-03-02", "End Date": "2026-03-03"})
	require.NoError(t, err)

	_, err = f.run(t, "decide-leave", "e2", metadata.Record{"Request": req.ID(), "Decision": "Approved"})
	assert.Equal(t, engine.CodeForbidden, appCode(err), "employees cannot decide")

	_, err = f.run(t, "decide-leave", "e4", metadata.Record{"Request": req.ID(), "Decision": "Approved"})
	assert.Equal(t, engine.CodeNotFound, appCode(err), "another manager cannot see the request")
}

func TestLeaveRequestVisibility(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "request-leave", "e2", metadata.Record{"Start Date": "2026-03-02", "End Date": "2026-03-02"})
	require.NoError(t, err)
	_, err = f.run(t, "request-leave", "e1", metadata.Record{"Start Date": "2026-04-01", "End Date": "2026-04-01"})
	require.NoError(t, err)

	list := func(as string) []string {
		user := f.caller(t, as)
		recs, err := f.provider.RetrieveRecords(metadata.WithUser(context.Background(), user), LeaveRequestTable, nil)
		require.NoError(t, err)
		var owners []string
		for _, r := range recs {
			owners = append(owners, refID(r["Employee"]))
		}
		return owners
	}
	assert.Equal(t, []string{"e2"}, list("e2"))
	assert.Equal(t, []string{"e2", "e1"}, list("e1"), "own requests and the ones to approve")
	assert.Empty(t, list("e4"))
	assert.Len(t, list("e3"), 2)
}

func TestLeaveRequest_DirectCreate(t *testing.T) {
	f := newFixture(t)
	eve := f.caller(t, "e2")
	ctx := metadata.WithUser(context.Background(), eve)

	rec, err := f.provider.CreateRecord(ctx, LeaveRequestTable, metadata.Record{
		"Start Date": "2026-05-04", "End Date": "2026-05-04", "Days": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "e2", refID(rec["Employee"]), "requester is stamped")
	assert.Equal(t, StatusPending, rec["Status"])

	rec, err = f.provider.CreateRecord(ctx, LeaveRequestTable, metadata.Record{
		"Start Date": "2026-05-04", "End Date": "2026-05-04", "Days": 1, "Status": "Approved",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec["Status"], "a requester cannot approve their own request")

	_, err = f.provider.CreateRecord(ctx, LeaveRequestTable, metadata.Record{
		"Employee": "e1", "Start Date": "2026-05-04", "End Date": "2026-05-04", "Days": 1,
	})
	assert.Equal(t, engine.CodeUnauthorizedCreation, appCode(err), "not on behalf of someone else")
}

func TestEmployeeVisibility(t *testing.T) {
	f := newFixture(t)

	eve := metadata.WithUser(context.Background(), f.caller(t, "e2"))
	recs, err := f.provider.RetrieveRecords(eve, EmployeeTable, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Eve", recs[0]["Name"])
	assert.NotContains(t, recs[0], "Salary")

	mia := metadata.WithUser(context.Background(), f.caller(t, "e1"))
	recs, err = f.provider.RetrieveRecords(mia, EmployeeTable, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "the manager's department")

	_, err = f.provider.RetrieveRecords(mia, EmployeeTable, &metadata.Query{
		Conditions: metadata.Where("Salary", metadata.OpGreaterThan, metadata.Lit(1000)),
	})
	assert.Equal(t, engine.CodeUnauthorizedQuery, appCode(err), "salary is not readable")
}

type fakeCredentials struct {
	calls []string
}

func (c *fakeCredentials) EnsureCredential(_ context.Context, email, _, userID string) (bool, error) {
	c.calls = append(c.calls, email+"="+userID)
	return len(c.calls) == 1, nil
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	creds := &fakeCredentials{}
	cfg := config.SeedConfig{AdminName: "Root", AdminEmail: "root@hr.test", AdminPassword: "pw"}
	ctx := context.Background()

	require.NoError(t, Seed(ctx, f.provider, creds, cfg, nil))
	require.NoError(t, Seed(ctx, f.provider, creds, cfg, nil))

	sys := metadata.WithUser(ctx, metadata.SystemUser)
	admins, err := f.provider.RetrieveRecords(sys, EmployeeTable, &metadata.Query{
		Conditions: metadata.Where("Email", metadata.OpEquals, metadata.Lit("root@hr.test")),
	})
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "Administrator", admins[0]["Access Level"])
	require.Len(t, creds.calls, 2)
	assert.Equal(t, creds.calls[0], creds.calls[1], "the same employee both times")
}
