package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tenantrt/internal/invoke"
	"github.com/leapstack-labs/tenantrt/internal/testutil"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	cfg.Logger = testutil.NewTestLogger(t)
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNew_RequiresDataDir(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNew_PersistsTenantsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := New(ctx, Config{DataDir: dir})
	require.NoError(t, err)
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)
	_, err = e.SaveUnit(ctx, tn, "com.acme.A", "x = 1")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, Config{DataDir: dir})
	tn2, err := e2.Tenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tn.ID(), tn2.ID())
	unit, err := e2.Unit(ctx, tn2, "com.acme.A")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", unit.Source)
}

func TestDeleteUnit_RemovesBindingsAndTasks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{MasterDB: ":memory:"})
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)

	unit, err := e.SaveUnit(ctx, tn, "com.acme.Both", `
extends("DatabaseTrigger")
trigger(type = "T")
after_update()

def execute():
    pass

def nightly():
    pass
`)
	require.NoError(t, err)
	_, err = e.Triggers().Register(ctx, tn, unit, core.TypeRef{ID: "T"}, false, true)
	require.NoError(t, err)
	task, err := e.Scheduler().Schedule(ctx, tn, unit, "nightly", "nightly", "@daily")
	require.NoError(t, err)

	require.NoError(t, e.DeleteUnit(ctx, tn, "com.acme.Both"))

	bindings, err := tn.Store().ListBindings(ctx)
	require.NoError(t, err)
	assert.Empty(t, bindings)
	tasks, err := tn.Store().ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	_, ok := e.Scheduler().Next(tn.ID(), task.ID)
	assert.False(t, ok)

	idx, err := e.Triggers().Index(ctx, tn)
	require.NoError(t, err)
	assert.False(t, idx.NeedsSnapshot("T"))

	_, err = e.Registry().Class(ctx, tn, "com.acme.Both")
	assert.Error(t, err, "namespace no longer holds the class")
}

const manifestYAML = `
tenant: acme
units:
  - name: com.acme.Stamp
    source: |
      extends("DatabaseTrigger")
      trigger(type = "invoice")
      before_insert()

      def execute():
          for r in self.new_values:
              r["stamped"] = True
  - name: com.acme.Broken
    source: "def oops(:"
triggers:
  - unit: com.acme.Stamp
    type: invoice
`

func TestApply_EndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{MasterDB: ":memory:"})

	m, err := ParseManifest([]byte(manifestYAML), "")
	require.NoError(t, err)

	report, err := e.Apply(ctx, m)
	require.NoError(t, err)
	assert.True(t, report.Created)
	require.Len(t, report.Compiled, 2)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "com.acme.Broken", report.Failed()[0].QualifiedName)
	require.Len(t, report.Bindings, 1)
	assert.True(t, report.Bindings[0].Phases.BeforeInsert)

	tn, err := e.Tenant(ctx, "acme")
	require.NoError(t, err)
	out, err := e.InsertRecords(ctx, tn, "invoice", []*core.Record{{ID: "inv-1", Fields: map[string]any{"total": int64(3)}}})
	require.NoError(t, err)
	assert.Equal(t, true, out[0].Fields["stamped"])

	stored, err := tn.Records().GetRecord(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, true, stored.Fields["stamped"])

	again, err := e.Apply(ctx, m)
	require.NoError(t, err)
	assert.False(t, again.Created)
	bindings, err := tn.Store().ListBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 1, "applying twice keeps one binding per unit and type")
}

func TestSyncDir(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{MasterDB: ":memory:"})
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "com/acme/Util.star"), "def double(x):\n    return 2 * x\n")
	writeFile(t, filepath.Join(dir, "com/acme/Job.star"), `
load("com.acme.Util", "double")

def run():
    assert_equal(4, double(2))
`)

	report, err := e.SyncDir(ctx, tn, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Len(t, report.Compiled, 2)
	assert.Empty(t, report.Failed())

	_, err = e.Invoker().CallByName(ctx, tn, "com.acme.Job", "run", invoke.KindTask, nil)
	require.NoError(t, err)

	report, err = e.SyncDir(ctx, tn, dir)
	require.NoError(t, err)
	assert.Empty(t, report.Compiled, "unchanged files are not recompiled")
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t, Config{MasterDB: ":memory:"})
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "A.star"), "x = 1")

	var mu sync.Mutex
	var reports []*SyncReport
	done := make(chan error, 1)
	go func() {
		done <- e.Watch(ctx, tn, dir, func(r *SyncReport, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				reports = append(reports, r)
			}
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) >= 1
	}, 5*time.Second, 20*time.Millisecond, "initial sync")

	writeFile(t, filepath.Join(dir, "B.star"), "y = 2")

	require.Eventually(t, func() bool {
		unit, err := tn.Store().GetUnitByName(context.Background(), "B")
		return err == nil && unit != nil
	}, 5*time.Second, 20*time.Millisecond, "new file synced")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestPlatformClasses(t *testing.T) {
	ctx := context.Background()
	platformDir := t.TempDir()
	writeFile(t, filepath.Join(platformDir, "platform/Money.star"), "def cents(x):\n    return x * 100\n")

	e := newTestEngine(t, Config{MasterDB: ":memory:", PlatformDir: platformDir})
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)

	_, err = e.SaveUnit(ctx, tn, "com.acme.Price", `
load("platform.Money", "cents")

def check():
    assert_equal(250, cents(2.5))
`)
	require.NoError(t, err)

	_, err = e.Invoker().CallByName(ctx, tn, "com.acme.Price", "check", invoke.KindTest, nil)
	require.NoError(t, err)
}

func TestDeleteTenant(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{MasterDB: ":memory:"})
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)
	_, err = e.SaveUnit(ctx, tn, "A", "x = 1")
	require.NoError(t, err)
	_, err = e.Registry().Namespace(ctx, tn)
	require.NoError(t, err)

	require.NoError(t, e.DeleteTenant(ctx, "acme"))
	_, err = e.Tenant(ctx, "acme")
	assert.Error(t, err)
	assert.Nil(t, e.Registry().Snapshot(tn.ID()))
}

func TestStartScheduler(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{MasterDB: ":memory:"})
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)
	unit, err := e.SaveUnit(ctx, tn, "Job", "def run():\n    pass\n")
	require.NoError(t, err)
	task, err := e.Scheduler().Schedule(ctx, tn, unit, "run", "job", "@every 1s")
	require.NoError(t, err)
	e.Scheduler().Forget(tn.ID())

	_, err = e.Tests().SpanTestEnv(ctx, tn)
	require.NoError(t, err)

	require.NoError(t, e.StartScheduler(ctx))
	_, ok := e.Scheduler().Next(tn.ID(), task.ID)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		stored, err := tn.Store().GetTask(ctx, task.ID)
		return err == nil && stored.LastRunAt != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCompile_ResyncsTriggerBindings(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{MasterDB: ":memory:"})
	tn, err := e.CreateTenant(ctx, "acme")
	require.NoError(t, err)

	unit, err := e.SaveUnit(ctx, tn, "com.acme.Guard", `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()

def execute():
    fail("rejected")
`)
	require.NoError(t, err)
	_, err = e.Triggers().Register(ctx, tn, unit, core.TypeRef{ID: "T"}, false, true)
	require.NoError(t, err)

	_, err = e.InsertRecords(ctx, tn, "T", []*core.Record{{ID: "r1", Fields: map[string]any{}}})
	require.Error(t, err)

	t.Run("changed phases", func(t *testing.T) {
		_, err := e.SaveUnit(ctx, tn, "com.acme.Guard", `
extends("DatabaseTrigger")
trigger(type = "T")
after_update()
old_values()

def execute():
    fail("rejected")
`)
		require.NoError(t, err)
		res, err := e.Compile(ctx, tn, "com.acme.Guard")
		require.NoError(t, err)
		require.True(t, res.Success)

		bindings, err := tn.Store().ListBindings(ctx)
		require.NoError(t, err)
		require.Len(t, bindings, 1)
		assert.Equal(t, core.PhaseFlags{AfterUpdate: true}, bindings[0].Phases)
		assert.True(t, bindings[0].OldValues)

		idx, err := e.Triggers().Index(ctx, tn)
		require.NoError(t, err)
		assert.Empty(t, idx.Lookup("T", core.PhaseBefore, core.OpInsert))
		assert.Len(t, idx.Lookup("T", core.PhaseAfter, core.OpUpdate), 1)
		assert.True(t, idx.NeedsSnapshot("T"))

		_, err = e.InsertRecords(ctx, tn, "T", []*core.Record{{ID: "r2", Fields: map[string]any{}}})
		require.NoError(t, err)
	})

	t.Run("disabled", func(t *testing.T) {
		_, err := e.SaveUnit(ctx, tn, "com.acme.Guard", `
extends("DatabaseTrigger")
trigger(type = "T")
before_insert()
disabled()

def execute():
    fail("rejected")
`)
		require.NoError(t, err)
		res, err := e.Compile(ctx, tn, "com.acme.Guard")
		require.NoError(t, err)
		require.True(t, res.Success)

		bindings, err := tn.Store().ListBindings(ctx)
		require.NoError(t, err)
		assert.Empty(t, bindings)

		idx, err := e.Triggers().Index(ctx, tn)
		require.NoError(t, err)
		assert.Empty(t, idx.Lookup("T", core.PhaseBefore, core.OpInsert))
		assert.False(t, idx.NeedsSnapshot("T"))

		_, err = e.InsertRecords(ctx, tn, "T", []*core.Record{{ID: "r3", Fields: map[string]any{}}})
		require.NoError(t, err)
	})
}
