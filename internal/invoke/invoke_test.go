package invoke_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/errorlog"
	"github.com/leapstack-labs/tenantrt/internal/invoke"
	"github.com/leapstack-labs/tenantrt/internal/registry"
	"github.com/leapstack-labs/tenantrt/internal/state"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/internal/testutil"
	"github.com/leapstack-labs/tenantrt/internal/testutil/tenanttest"
	"github.com/leapstack-labs/tenantrt/internal/trigger"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

var typeT = core.TypeRef{ID: "T"}

// recorder is injected as self.context["rec"] and collects calls from tenant code.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) builtin() *starlark.Builtin {
	return starlark.NewBuiltin("rec", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackPositionalArgs("rec", args, nil, 1, &msg); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.calls = append(r.calls, msg)
		r.mu.Unlock()
		return starlark.None, nil
	})
}

type fixture struct {
	tn       *tenant.Tenant
	master   *state.SQLiteStore
	triggers *trigger.Service
	registry *registry.Registry
	invoker  *invoke.Invoker
	rec      *recorder
}

func newFixture(t *testing.T, maxSteps uint64) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	master, err := state.OpenMaster(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = master.Close() })

	reg := registry.New(registry.Config{Logger: logger, MaxSteps: maxSteps})
	comp := compiler.New(compiler.Config{Logger: logger, Registry: reg})
	triggers := trigger.NewService(trigger.Config{Compiler: comp, Registry: reg, Logger: logger})
	rec := &recorder{}

	inv := invoke.New(invoke.Config{
		Registry: reg,
		Triggers: triggers,
		ErrorLog: errorlog.New(errorlog.Config{Store: master, Logger: logger}),
		Logger:   logger,
		Providers: []invoke.ContextProvider{
			invoke.ProviderFunc(func(context.Context, core.Tenant) (map[string]any, error) {
				return map[string]any{"rec": rec.builtin(), "auth": struct{ User string }{"alice"}}, nil
			}),
		},
	})
	return &fixture{
		tn:       tenanttest.New(t, "acme"),
		master:   master,
		triggers: triggers,
		registry: reg,
		invoker:  inv,
		rec:      rec,
	}
}

func (f *fixture) register(t *testing.T, qualifiedName, src string) *core.TriggerBinding {
	t.Helper()
	unit := tenanttest.SaveUnit(t, f.tn, qualifiedName, src)
	b, err := f.triggers.Register(context.Background(), f.tn, unit, typeT, false, true)
	require.NoError(t, err)
	return b
}

const classA = `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()
after_insert()

def execute():
    self.context["rec"]("%s:%d" % (self.phase, len(self.new_values)))
`

func TestFireTriggers_BeforeThenAfter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	b := f.register(t, "com.acme.ClassA", classA)
	assert.Equal(t, core.PhaseFlags{BeforeInsert: true, AfterInsert: true}, b.Phases)

	batch := []*core.Record{{ID: "r1", TypeID: "T", Fields: map[string]any{"amount": int64(5)}}}

	for _, phase := range []core.Phase{core.PhaseBefore, core.PhaseAfter} {
		out, err := f.invoker.FireTriggers(ctx, f.tn, "T", phase, core.OpInsert, batch, nil)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "r1", out[0].ID)
	}

	_, err := f.invoker.FireTriggers(ctx, f.tn, "T", core.PhaseBefore, core.OpUpdate, batch, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"before:1", "after:1"}, f.rec.calls)
}

func TestFireTriggers_ModifiesNewValuesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.register(t, "com.acme.Double", `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()
def execute():
    for r in self.new_values:
        r["amount"] = r["amount"] * 2
`)
	f.register(t, "com.acme.Tag", `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()
def execute():
    for r in self.new_values:
        r["tag"] = "amount=%d" % r["amount"]
`)

	batch := []*core.Record{{ID: "r1", TypeID: "T", Fields: map[string]any{"amount": int64(5)}}}
	out, err := f.invoker.FireTriggers(ctx, f.tn, "T", core.PhaseBefore, core.OpInsert, batch, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(10), out[0].Fields["amount"])
	assert.Equal(t, "amount=10", out[0].Fields["tag"], "second binding sees the first one's changes")
	assert.Equal(t, int64(5), batch[0].Fields["amount"], "input batch untouched")
}

func TestFireTriggers_OldValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.register(t, "com.acme.Plain", `
extends("DatabaseTrigger")
trigger(type = "T")
before_update()
before_delete()
def execute():
    self.context["rec"]("plain:%s:%s" % (self.operation, self.old_values != None))
`)
	f.register(t, "com.acme.WantsOld", `
extends("DatabaseTrigger")
trigger(type = "T")
before_update()
old_values()
def execute():
    self.context["rec"]("old:%s" % self.old_values[0]["amount"])
`)

	old := []*core.Record{{ID: "r1", TypeID: "T", Fields: map[string]any{"amount": int64(1)}}}
	updated := []*core.Record{{ID: "r1", TypeID: "T", Fields: map[string]any{"amount": int64(2)}}}

	_, err := f.invoker.FireTriggers(ctx, f.tn, "T", core.PhaseBefore, core.OpUpdate, updated, old)
	require.NoError(t, err)
	_, err = f.invoker.FireTriggers(ctx, f.tn, "T", core.PhaseBefore, core.OpDelete, nil, old)
	require.NoError(t, err)

	assert.Equal(t, []string{"plain:update:False", "old:1", "plain:delete:True"}, f.rec.calls)
}

func TestFireTriggers_FaultIsLoggedAndTyped(t *testing.T) {
	ctx := invoke.WithUser(context.Background(), "user-7")
	f := newFixture(t, 0)
	f.register(t, "com.acme.Rejects", `
extends("DatabaseTrigger")
trigger(type = "T")
after_insert()

def execute():
    fail("amount too large")
`)

	batch := []*core.Record{{ID: "r1", TypeID: "T", Fields: map[string]any{}}}
	_, err := f.invoker.FireTriggers(ctx, f.tn, "T", core.PhaseAfter, core.OpInsert, batch, nil)
	require.Error(t, err)

	var tf *invoke.TriggerFault
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, core.PhaseAfter, tf.Phase)
	assert.Equal(t, core.OpInsert, tf.Operation)

	var fault *invoke.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "com.acme.Rejects", fault.QualifiedName)
	assert.Equal(t, invoke.FaultError, fault.Kind)
	assert.Equal(t, 7, fault.Location.Line)
	assert.Contains(t, err.Error(), "amount too large")

	logs, err := f.master.ListErrorLogs(ctx, f.tn.ID(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "com.acme.Rejects", logs[0].CodeClass)
	assert.Equal(t, 7, logs[0].CodeLine)
	assert.Equal(t, "user-7", logs[0].UserID)
	assert.Contains(t, logs[0].Message, "amount too large")
	assert.NotEmpty(t, logs[0].Details)
}

func TestFireTriggers_StepLimit(t *testing.T) {
	f := newFixture(t, 10_000)
	f.register(t, "com.acme.Spin", `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()
def execute():
    while True:
        pass
`)

	_, err := f.invoker.FireTriggers(context.Background(), f.tn, "T", core.PhaseBefore, core.OpInsert, nil, nil)
	var fault *invoke.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, invoke.FaultCancelled, fault.Kind)
}

func TestFireTriggers_PanicInBuiltin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.register(t, "com.acme.Panics", `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()
def execute():
    self.context["boom"]()
`)
	inv := invoke.New(invoke.Config{
		Registry: f.registry,
		Triggers: f.triggers,
		Providers: []invoke.ContextProvider{
			invoke.ProviderFunc(func(context.Context, core.Tenant) (map[string]any, error) {
				return map[string]any{"boom": starlark.NewBuiltin("boom", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
					panic("nil map write")
				})}, nil
			}),
		},
	})

	_, err := inv.FireTriggers(ctx, f.tn, "T", core.PhaseBefore, core.OpInsert, nil, nil)
	var tf *invoke.TriggerFault
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, invoke.FaultPanic, tf.Fault.Kind)
	assert.Contains(t, err.Error(), "nil map write")
}

func TestFireTriggers_NoBindings(t *testing.T) {
	f := newFixture(t, 0)
	batch := []*core.Record{{ID: "r1", TypeID: "X"}}
	out, err := f.invoker.FireTriggers(context.Background(), f.tn, "X", core.PhaseBefore, core.OpInsert, batch, nil)
	require.NoError(t, err)
	assert.Same(t, batch[0], out[0])
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	tenanttest.SaveUnit(t, f.tn, "com.acme.Job", `
def run():
    self.context["rec"]("job ran for %s" % self.context["who"])
    return 42

def broken():
    return 1 // 0
`)

	t.Run("success with injections", func(t *testing.T) {
		v, err := f.invoker.CallByName(ctx, f.tn, "com.acme.Job", "run", invoke.KindTask, map[string]any{"who": starlark.String("cron")})
		require.NoError(t, err)
		assert.Equal(t, starlark.MakeInt(42), v)
		assert.Contains(t, f.rec.calls, "job ran for cron")
	})

	t.Run("missing method", func(t *testing.T) {
		_, err := f.invoker.CallByName(ctx, f.tn, "com.acme.Job", "nope", invoke.KindTask, nil)
		assert.ErrorIs(t, err, registry.ErrMethodNotFound)
		var fault *invoke.Fault
		assert.False(t, errors.As(err, &fault), "a missing method is not a tenant fault")
	})

	t.Run("fault", func(t *testing.T) {
		_, err := f.invoker.CallByName(ctx, f.tn, "com.acme.Job", "broken", invoke.KindTest, nil)
		var fault *invoke.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, "broken", fault.Method)
		assert.Equal(t, 7, fault.Location.Line)
	})

	t.Run("missing class", func(t *testing.T) {
		_, err := f.invoker.CallByName(ctx, f.tn, "com.acme.Missing", "run", invoke.KindTask, nil)
		assert.ErrorIs(t, err, registry.ErrClassNotFound)
	})
}

func TestFireTriggers_SkipsBindingOfUncompiledEdit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.register(t, "com.acme.ClassA", classA)

	tenanttest.SaveUnit(t, f.tn, "com.acme.ClassA", `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()
after_insert()
disabled()

def execute():
    self.context["rec"]("disabled ran")
`)
	f.registry.Invalidate(f.tn.ID())

	batch := []*core.Record{{ID: "r1", TypeID: "T", Fields: map[string]any{}}}
	out, err := f.invoker.FireTriggers(ctx, f.tn, "T", core.PhaseBefore, core.OpInsert, batch, nil)
	require.NoError(t, err)
	assert.Same(t, batch[0], out[0])
	assert.Empty(t, f.rec.calls)
}

func TestCall_TimeoutReachesLoadedModule(t *testing.T) {
	f := newFixture(t, 1<<40)
	tenanttest.SaveUnit(t, f.tn, "com.acme.Slow", `
def spin():
    pass

while True:
    spin()
`)
	tenanttest.SaveUnit(t, f.tn, "com.acme.Job", `
load("com.acme.Slow", "spin")

def run():
    return 1
`)
	inv := invoke.New(invoke.Config{
		Registry: f.registry,
		Triggers: f.triggers,
		Timeout:  50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		_, err := inv.CallByName(context.Background(), f.tn, "com.acme.Job", "run", invoke.KindTask, nil)
		done <- err
	}()

	select {
	case err := <-done:
		var fault *invoke.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, invoke.FaultCancelled, fault.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("call into a looping module did not honour the timeout")
	}
}

func TestCall_StepBudgetInLoadedModule(t *testing.T) {
	f := newFixture(t, 10_000)
	tenanttest.SaveUnit(t, f.tn, "com.acme.Slow", `
def spin():
    pass

while True:
    spin()
`)
	tenanttest.SaveUnit(t, f.tn, "com.acme.Job", `
load("com.acme.Slow", "spin")

def run():
    return 1
`)

	_, err := f.invoker.CallByName(context.Background(), f.tn, "com.acme.Job", "run", invoke.KindTask, nil)
	var fault *invoke.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, invoke.FaultCancelled, fault.Kind)
}

func TestCall_CancellationMessageFromTenantIsAnError(t *testing.T) {
	f := newFixture(t, 0)
	tenanttest.SaveUnit(t, f.tn, "com.acme.Liar", `
def run():
    fail("Starlark computation cancelled: too many steps")
`)

	_, err := f.invoker.CallByName(context.Background(), f.tn, "com.acme.Liar", "run", invoke.KindTask, nil)
	var fault *invoke.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, invoke.FaultError, fault.Kind)
}
