package tenant_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/internal/testutil/tenanttest"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

func TestManager_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	m := tenanttest.NewManager(t)

	acme, err := m.Create(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, acme.Connected())
	assert.FileExists(t, acme.Environment().DBPath)

	_, err = m.Create(ctx, "acme")
	assert.ErrorIs(t, err, tenant.ErrExists)

	byName, err := m.GetByName(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, acme, byName)

	byID, err := m.Get(ctx, acme.ID())
	require.NoError(t, err)
	assert.Same(t, acme, byID)

	envs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, envs, 1)

	require.NoError(t, m.Delete(ctx, acme.ID()))
	_, err = m.GetByName(ctx, "acme")
	assert.ErrorIs(t, err, tenant.ErrNotFound)
	assert.NoFileExists(t, acme.Environment().DBPath)

	assert.ErrorIs(t, m.Delete(ctx, acme.ID()), tenant.ErrNotFound)
}

func TestTenant_DisconnectReconnect(t *testing.T) {
	ctx := context.Background()
	tn := tenanttest.New(t, "acme")
	tenanttest.SaveUnit(t, tn, "com.acme.A", "def execute(): pass")

	require.NoError(t, tn.Disconnect())
	assert.False(t, tn.Connected())
	_, err := tn.Store().ListUnits(ctx)
	assert.ErrorContains(t, err, "database not opened")

	require.NoError(t, tn.Reconnect(ctx))
	require.NoError(t, tn.Reconnect(ctx), "reconnect is idempotent")
	units, err := tn.Store().ListUnits(ctx)
	require.NoError(t, err)
	assert.Len(t, units, 1)
}

func TestManager_Clone(t *testing.T) {
	ctx := context.Background()
	m := tenanttest.NewManager(t)

	src, err := m.Create(ctx, "acme")
	require.NoError(t, err)
	tenanttest.SaveUnit(t, src, "com.acme.A", "def execute(): pass")

	clone, err := m.Clone(ctx, src, "acme-copy")
	require.NoError(t, err)
	assert.Equal(t, src.ID(), clone.Environment().ClonedFrom)

	units, err := clone.Store().ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "com.acme.A", units[0].QualifiedName())

	// Clone and source are independent databases
	tenanttest.SaveUnit(t, clone, "com.acme.B", "")
	srcUnits, err := src.Store().ListUnits(ctx)
	require.NoError(t, err)
	assert.Len(t, srcUnits, 1)
	assert.True(t, src.Connected())
}

func TestManager_CloneFaultRestoresSource(t *testing.T) {
	ctx := context.Background()

	for _, stage := range []string{tenant.StageDisconnected, tenant.StageCopied} {
		t.Run(stage, func(t *testing.T) {
			m := tenanttest.NewManager(t)
			src, err := m.Create(ctx, "acme")
			require.NoError(t, err)
			tenanttest.SaveUnit(t, src, "com.acme.A", "")

			injected := errors.New("disk full")
			m.SetCloneHook(func(s string) error {
				if s == stage {
					return injected
				}
				return nil
			})

			_, err = m.Clone(ctx, src, "acme-copy")
			require.Error(t, err)
			assert.ErrorIs(t, err, injected)

			assert.True(t, src.Connected(), "source must be reconnected")
			units, err := src.Store().ListUnits(ctx)
			require.NoError(t, err)
			assert.Len(t, units, 1)

			_, err = m.GetByName(ctx, "acme-copy")
			assert.ErrorIs(t, err, tenant.ErrNotFound, "no catalogue entry for a failed clone")
		})
	}
}

func TestManager_CloneCancelledContextStillReconnects(t *testing.T) {
	m := tenanttest.NewManager(t)
	src, err := m.Create(context.Background(), "acme")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m.SetCloneHook(func(string) error {
		cancel()
		return nil
	})

	_, _ = m.Clone(ctx, src, "acme-copy")
	assert.True(t, src.Connected())
}

func TestManager_CreatePlacesDatabaseInDataDir(t *testing.T) {
	ctx := context.Background()
	m := tenanttest.NewManager(t)

	tn, err := m.Create(ctx, "[testing]-acme corp")
	require.NoError(t, err)

	info, err := os.Stat(tn.Environment().DBPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.NotContains(t, tn.Environment().DBPath, "[")

	var _ core.Tenant = tn
}
