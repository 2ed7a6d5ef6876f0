package tenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/leapstack-labs/tenantrt/internal/state"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Manager errors.
var (
	ErrNotFound = errors.New("environment not found")
	ErrExists   = errors.New("environment already exists")
)

// Clone stages passed to a CloneHook.
const (
	StageDisconnected = "disconnected"
	StageCopied       = "copied"
)

// CloneHook is called at each clone stage. Returning an error aborts the clone.
// Used to inject faults in tests.
type CloneHook func(stage string) error

// Manager owns the master catalogue and the open tenant connections.
type Manager struct {
	master  *state.SQLiteStore
	dataDir string
	logger  *slog.Logger

	mu        sync.Mutex
	tenants   map[string]*Tenant
	cloneHook CloneHook
}

// NewManager creates a manager over an open master store. Tenant databases
// are created under dataDir.
func NewManager(master *state.SQLiteStore, dataDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		master:  master,
		dataDir: dataDir,
		logger:  logger,
		tenants: make(map[string]*Tenant),
	}
}

// Master returns the master store.
func (m *Manager) Master() *state.SQLiteStore { return m.master }

// SetCloneHook installs a hook called during Clone. Nil removes it.
func (m *Manager) SetCloneHook(h CloneHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cloneHook = h
}

// Create registers a new environment with an empty database.
func (m *Manager) Create(ctx context.Context, name string) (*Tenant, error) {
	return m.create(ctx, name, "", nil)
}

func (m *Manager) create(ctx context.Context, name, clonedFrom string, fill func(path string) error) (*Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("environment name is required")
	}
	existing, err := m.master.GetEnvironmentByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	id := uuid.New().String()
	env := core.Environment{
		ID:         id,
		Name:       name,
		DBPath:     filepath.Join(m.dataDir, fileName(name, id)),
		ClonedFrom: clonedFrom,
	}

	if fill != nil {
		if err := fill(env.DBPath); err != nil {
			removeDatabase(env.DBPath)
			return nil, err
		}
	}

	t, err := Open(ctx, env, m.logger)
	if err != nil {
		removeDatabase(env.DBPath)
		return nil, err
	}
	if err := m.master.CreateEnvironment(ctx, &env); err != nil {
		_ = t.Close()
		removeDatabase(env.DBPath)
		return nil, err
	}
	t.env = env

	m.mu.Lock()
	m.tenants[env.ID] = t
	m.mu.Unlock()

	m.logger.Info("environment created", "name", name, "id", env.ID, "cloned_from", clonedFrom)
	return t, nil
}

// Get returns the connected tenant for an environment ID.
func (m *Manager) Get(ctx context.Context, id string) (*Tenant, error) {
	m.mu.Lock()
	t, ok := m.tenants[id]
	m.mu.Unlock()
	if ok {
		return t, nil
	}

	env, err := m.master.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.attach(ctx, env)
}

// GetByName returns the connected tenant for an environment name.
func (m *Manager) GetByName(ctx context.Context, name string) (*Tenant, error) {
	env, err := m.master.GetEnvironmentByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	m.mu.Lock()
	t, ok := m.tenants[env.ID]
	m.mu.Unlock()
	if ok {
		return t, nil
	}
	return m.attach(ctx, env)
}

func (m *Manager) attach(ctx context.Context, env *core.Environment) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tenants[env.ID]; ok {
		return t, nil
	}
	t, err := Open(ctx, *env, m.logger)
	if err != nil {
		return nil, err
	}
	m.tenants[env.ID] = t
	return t, nil
}

// List returns all environments in the catalogue.
func (m *Manager) List(ctx context.Context) ([]*core.Environment, error) {
	return m.master.ListEnvironments(ctx)
}

// Delete closes an environment, removes its database and its catalogue entry.
func (m *Manager) Delete(ctx context.Context, id string) error {
	env, err := m.master.GetEnvironment(ctx, id)
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.mu.Lock()
	t, ok := m.tenants[id]
	delete(m.tenants, id)
	m.mu.Unlock()
	if ok {
		if err := t.Close(); err != nil {
			m.logger.Warn("failed to close tenant before delete", "name", env.Name, "error", err)
		}
	}

	if err := m.master.DeleteEnvironment(ctx, id); err != nil {
		return err
	}
	removeDatabase(env.DBPath)
	m.logger.Info("environment deleted", "name", env.Name, "id", id)
	return nil
}

// Clone copies src into a new environment called name.
//
// The source connection is closed for the copy and reopened on every exit
// path, including a failed disconnect, hook failures and copy errors.
func (m *Manager) Clone(ctx context.Context, src *Tenant, name string) (clone *Tenant, err error) {
	m.mu.Lock()
	hook := m.cloneHook
	m.mu.Unlock()

	defer func() {
		if rerr := src.Reconnect(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Error("failed to reconnect clone source", "name", src.Name(), "error", rerr)
			err = errors.Join(err, rerr)
		}
	}()
	if err := src.Disconnect(); err != nil {
		return nil, err
	}

	if hook != nil {
		if err := hook(StageDisconnected); err != nil {
			return nil, fmt.Errorf("clone of %s aborted: %w", src.Name(), err)
		}
	}

	return m.create(ctx, name, src.ID(), func(path string) error {
		if err := copyDatabase(src.env.DBPath, path); err != nil {
			return fmt.Errorf("failed to copy %s: %w", src.Name(), err)
		}
		if hook != nil {
			if err := hook(StageCopied); err != nil {
				return fmt.Errorf("clone of %s aborted: %w", src.Name(), err)
			}
		}
		return nil
	})
}

// Close disconnects every open tenant. The master store is left to its owner.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, t := range m.tenants {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.tenants, id)
	}
	return errors.Join(errs...)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func fileName(name, id string) string {
	base := strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
	if base == "" {
		base = "env"
	}
	return fmt.Sprintf("%s-%s.db", base, id[:8])
}

// copyDatabase copies a closed SQLite database, including any leftover WAL file.
func copyDatabase(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	if _, err := os.Stat(src + "-wal"); err == nil {
		if err := copyFile(src+"-wal", dst+"-wal"); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: paths come from the environment catalogue
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // G304: see above
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func removeDatabase(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		_ = os.Remove(p)
	}
}
