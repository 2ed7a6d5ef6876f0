package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/invoke"
	"github.com/leapstack-labs/tenantrt/internal/registry"
	"github.com/leapstack-labs/tenantrt/internal/schedule"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/internal/testutil"
	"github.com/leapstack-labs/tenantrt/internal/testutil/tenanttest"
	"github.com/leapstack-labs/tenantrt/internal/trigger"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

const jobSource = `
def run():
    assert_equal("nightly", self.context["task"])

def explode():
    fail("no capacity")

def with_arg(n):
    pass
`

type fixture struct {
	tn    *tenant.Tenant
	sched *schedule.Scheduler
	unit  *core.SourceUnit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	reg := registry.New(registry.Config{Logger: logger})
	comp := compiler.New(compiler.Config{Logger: logger, Registry: reg})
	inv := invoke.New(invoke.Config{
		Registry: reg,
		Triggers: trigger.NewService(trigger.Config{Compiler: comp, Registry: reg, Logger: logger}),
		Logger:   logger,
	})

	tn := tenanttest.New(t, "acme")
	sched := schedule.New(schedule.Config{
		Compiler: comp,
		Registry: reg,
		Invoker:  inv,
		Logger:   logger,
		Tenants: func(_ context.Context, id string) (core.Tenant, error) {
			return tn, nil
		},
	})
	t.Cleanup(sched.Stop)

	return &fixture{
		tn:    tn,
		sched: sched,
		unit:  tenanttest.SaveUnit(t, tn, "com.acme.Job", jobSource),
	}
}

func TestSchedule_Validation(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		expr    string
		wantIs  error
		wantMsg string
	}{
		{name: "missing method", method: "nope", expr: "0 * * * *", wantIs: schedule.ErrMethodNotFound, wantMsg: "method nope does not exist in class com.acme.Job"},
		{name: "method with arguments", method: "with_arg", expr: "0 * * * *", wantMsg: "must take no arguments"},
		{name: "bad cron", method: "run", expr: "every tuesday", wantIs: schedule.ErrInvalidSchedule},
		{name: "seconds field rejected", method: "run", expr: "0 0 * * * *", wantIs: schedule.ErrInvalidSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			_, err := f.sched.Schedule(ctx, f.tn, f.unit, tt.method, "nightly", tt.expr)
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}

			tasks, err := f.tn.Store().ListTasks(ctx)
			require.NoError(t, err)
			assert.Empty(t, tasks, "nothing persisted on failure")
		})
	}
}

func TestSchedule_CompileFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	broken := tenanttest.SaveUnit(t, f.tn, "com.acme.Broken", "def run(:")

	_, err := f.sched.Schedule(ctx, f.tn, broken, "run", "", "@daily")
	var compErr *compiler.CompilationError
	assert.ErrorAs(t, err, &compErr)
}

func TestSchedule_PersistsAndExecutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.sched.Schedule(ctx, f.tn, f.unit, "run", "nightly", "0 2 * * *")
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, f.unit.ID, task.UnitID)

	_, ok := f.sched.Next(f.tn.ID(), task.ID)
	assert.True(t, ok)

	require.NoError(t, f.sched.Execute(ctx, f.tn, task.ID))

	stored, err := f.tn.Store().GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunAt)
	assert.Empty(t, stored.LastError)

	again, err := f.sched.Schedule(ctx, f.tn, f.unit, "run", "nightly", "@hourly")
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID, "same name updates the task")
}

func TestExecute_Failures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.sched.Schedule(ctx, f.tn, f.unit, "explode", "capacity", "@daily")
	require.NoError(t, err)

	err = f.sched.Execute(ctx, f.tn, task.ID)
	var taskErr *schedule.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "capacity", taskErr.Name)
	var fault *invoke.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "explode", fault.Method)

	stored, err := f.tn.Store().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "no capacity")

	assert.ErrorIs(t, f.sched.Execute(ctx, f.tn, "missing"), schedule.ErrTaskNotFound)
}

func TestUnschedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.sched.Schedule(ctx, f.tn, f.unit, "run", "a", "@daily")
	require.NoError(t, err)
	_, err = f.sched.Schedule(ctx, f.tn, f.unit, "run", "b", "@daily")
	require.NoError(t, err)

	require.NoError(t, f.sched.Unschedule(ctx, f.tn, a.ID))
	_, ok := f.sched.Next(f.tn.ID(), a.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, f.sched.Unschedule(ctx, f.tn, a.ID), schedule.ErrTaskNotFound)

	n, err := f.sched.UnscheduleUnit(ctx, f.tn, f.unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err := f.tn.Store().ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.sched.Schedule(ctx, f.tn, f.unit, "run", "nightly", "@daily")
	require.NoError(t, err)
	f.sched.Forget(f.tn.ID())
	_, ok := f.sched.Next(f.tn.ID(), task.ID)
	require.False(t, ok)

	require.NoError(t, f.sched.Restore(ctx, f.tn))
	_, ok = f.sched.Next(f.tn.ID(), task.ID)
	assert.True(t, ok)
}

func TestCronFiresTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.sched.Schedule(ctx, f.tn, f.unit, "run", "nightly", "@every 1s")
	require.NoError(t, err)
	f.sched.Start()

	require.Eventually(t, func() bool {
		stored, err := f.tn.Store().GetTask(ctx, task.ID)
		return err == nil && stored != nil && stored.LastRunAt != nil
	}, 5*time.Second, 50*time.Millisecond)
}
