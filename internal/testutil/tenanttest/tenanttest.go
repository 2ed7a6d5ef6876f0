// Package tenanttest builds throwaway tenants backed by temp-dir SQLite databases.
package tenanttest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tenantrt/internal/state"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/internal/testutil"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// New opens a standalone tenant whose ID is "id-" + name.
func New(t testing.TB, name string) *tenant.Tenant {
	t.Helper()
	env := core.Environment{
		ID:     "id-" + name,
		Name:   name,
		DBPath: filepath.Join(t.TempDir(), name+".db"),
	}
	tn, err := tenant.Open(context.Background(), env, testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tn.Close() })
	return tn
}

// NewManager creates a manager with an in-memory master store and a temp data dir.
func NewManager(t testing.TB) *tenant.Manager {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	master, err := state.OpenMaster(context.Background(), ":memory:", logger)
	require.NoError(t, err)

	m := tenant.NewManager(master, t.TempDir(), logger)
	t.Cleanup(func() {
		_ = m.Close()
		_ = master.Close()
	})
	return m
}

// SaveUnit stores a unit under a qualified name and returns it.
func SaveUnit(t testing.TB, tn core.Tenant, qualifiedName, source string) *core.SourceUnit {
	t.Helper()
	pkg, name := core.SplitQualifiedName(qualifiedName)
	unit := &core.SourceUnit{Package: pkg, Name: name, TenantID: tn.ID(), Source: source}
	require.NoError(t, tn.Store().SaveUnit(context.Background(), unit))
	return unit
}
