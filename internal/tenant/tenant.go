// Package tenant manages environments: the master catalogue, one SQLite
// database per tenant, and the connections the runtime works through.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/leapstack-labs/tenantrt/internal/state"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Tenant is one connected environment.
type Tenant struct {
	env    core.Environment
	logger *slog.Logger

	// store is swapped, never mutated, so readers never see a half-open connection.
	store atomic.Pointer[state.SQLiteStore]
	// connMu serialises Disconnect/Reconnect.
	connMu sync.Mutex
	// closeStore closes a swapped-out connection. Nil means SQLiteStore.Close.
	closeStore func(*state.SQLiteStore) error
}

var _ core.Tenant = (*Tenant)(nil)

// Open connects to an environment's database, creating and migrating it if needed.
func Open(ctx context.Context, env core.Environment, logger *slog.Logger) (*Tenant, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Tenant{env: env, logger: logger.With("tenant", env.Name)}
	if err := t.Reconnect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// ID returns the environment ID.
func (t *Tenant) ID() string { return t.env.ID }

// Name returns the environment name.
func (t *Tenant) Name() string { return t.env.Name }

// Environment returns a copy of the environment record.
func (t *Tenant) Environment() core.Environment { return t.env }

// Store returns the current connection. While disconnected every call fails
// with "database not opened".
func (t *Tenant) Store() core.Store { return t.conn() }

// Records returns the current connection for record reads and write transactions.
func (t *Tenant) Records() *state.SQLiteStore { return t.conn() }

// Connected reports whether the tenant database is open.
func (t *Tenant) Connected() bool {
	return t.conn().DB() != nil
}

func (t *Tenant) conn() *state.SQLiteStore {
	if s := t.store.Load(); s != nil {
		return s
	}
	return state.NewSQLiteStore(state.KindTenant, t.logger)
}

// Disconnect closes the tenant's connection. Calls made while disconnected fail.
func (t *Tenant) Disconnect() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	old := t.store.Swap(state.NewSQLiteStore(state.KindTenant, t.logger))
	if old == nil {
		return nil
	}
	closeStore := t.closeStore
	if closeStore == nil {
		closeStore = (*state.SQLiteStore).Close
	}
	if err := closeStore(old); err != nil {
		return fmt.Errorf("failed to disconnect tenant %s: %w", t.env.Name, err)
	}
	t.logger.Debug("tenant disconnected")
	return nil
}

// Reconnect (re)opens the tenant's connection. A no-op when already connected.
func (t *Tenant) Reconnect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if cur := t.store.Load(); cur != nil && cur.DB() != nil {
		return nil
	}
	s, err := state.OpenTenant(ctx, t.env.DBPath, t.logger)
	if err != nil {
		return fmt.Errorf("failed to connect tenant %s: %w", t.env.Name, err)
	}
	t.store.Store(s)
	t.logger.Debug("tenant connected", "path", t.env.DBPath)
	return nil
}

// Close disconnects the tenant.
func (t *Tenant) Close() error {
	return t.Disconnect()
}
