// Package engine wires the runtime together: tenant environments, the class
// registry, the compiler, trigger bindings, invocation, scheduled tasks, the
// test runner and the record mutation pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/errorlog"
	"github.com/leapstack-labs/tenantrt/internal/invoke"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/mutation"
	"github.com/leapstack-labs/tenantrt/internal/registry"
	"github.com/leapstack-labs/tenantrt/internal/schedule"
	"github.com/leapstack-labs/tenantrt/internal/source"
	"github.com/leapstack-labs/tenantrt/internal/state"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/internal/testrunner"
	"github.com/leapstack-labs/tenantrt/internal/trigger"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Config holds engine configuration.
type Config struct {
	// DataDir holds tenant databases.
	DataDir string
	// MasterDB is the master catalogue path. Empty means DataDir/master.db;
	// ":memory:" keeps it in memory.
	MasterDB string
	// PlatformDir holds shared platform classes loaded at startup (optional).
	PlatformDir string

	MaxSteps       uint64
	CompileWorkers int
	InvokeTimeout  time.Duration

	// SchedulerLocation is the time zone of task schedules. Nil means UTC.
	SchedulerLocation *time.Location

	ErrorLogMessageCap int
	ErrorLogDetailsCap int

	// Providers supply context objects injected into every instance.
	Providers []invoke.ContextProvider

	// Metrics is optional.
	Metrics *metrics.Collector
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Engine is the tenant runtime.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	master    *state.SQLiteStore
	tenants   *tenant.Manager
	registry  *registry.Registry
	compiler  *compiler.Compiler
	triggers  *trigger.Service
	errorLog  *errorlog.Service
	invoker   *invoke.Invoker
	scheduler *schedule.Scheduler
	tests     *testrunner.Runner
	mutations *mutation.Pipeline
}

// New opens the master catalogue and builds every component.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	masterPath := cfg.MasterDB
	if masterPath == "" {
		masterPath = filepath.Join(cfg.DataDir, "master.db")
	}

	logger.Debug("initializing engine", "data_dir", cfg.DataDir, "master_db", masterPath)

	master, err := state.OpenMaster(ctx, masterPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open master store: %w", err)
	}

	e := &Engine{logger: logger, metrics: cfg.Metrics, master: master}
	e.tenants = tenant.NewManager(master, cfg.DataDir, logger)
	e.registry = registry.New(registry.Config{
		Logger:   logger,
		Metrics:  cfg.Metrics,
		MaxSteps: cfg.MaxSteps,
		Workers:  cfg.CompileWorkers,
	})
	e.compiler = compiler.New(compiler.Config{Logger: logger, Metrics: cfg.Metrics, Registry: e.registry})
	e.triggers = trigger.NewService(trigger.Config{
		Compiler: e.compiler,
		Registry: e.registry,
		Logger:   logger,
		Metrics:  cfg.Metrics,
	})
	e.compiler.SetCompileHook(e.triggers.Resync)
	e.errorLog = errorlog.New(errorlog.Config{
		Store:      master,
		Logger:     logger,
		MessageCap: cfg.ErrorLogMessageCap,
		DetailsCap: cfg.ErrorLogDetailsCap,
	})
	e.invoker = invoke.New(invoke.Config{
		Registry:  e.registry,
		Triggers:  e.triggers,
		ErrorLog:  e.errorLog,
		Providers: cfg.Providers,
		Logger:    logger,
		Metrics:   cfg.Metrics,
		Timeout:   cfg.InvokeTimeout,
	})
	e.scheduler = schedule.New(schedule.Config{
		Compiler: e.compiler,
		Registry: e.registry,
		Invoker:  e.invoker,
		Tenants: func(ctx context.Context, id string) (core.Tenant, error) {
			t, err := e.tenants.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		Logger:   logger,
		Metrics:  cfg.Metrics,
		Location: cfg.SchedulerLocation,
	})
	e.tests = testrunner.New(testrunner.Config{
		Tenants:  e.tenants,
		Compiler: e.compiler,
		Registry: e.registry,
		Triggers: e.triggers,
		Invoker:  e.invoker,
		Logger:   logger,
		Metrics:  cfg.Metrics,
	})
	e.mutations = mutation.New(mutation.Config{Triggers: e.triggers, Invoker: e.invoker, Logger: logger})

	if cfg.PlatformDir != "" {
		if err := e.LoadPlatform(cfg.PlatformDir); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

// LoadPlatform replaces the shared platform classes with the sources in dir.
func (e *Engine) LoadPlatform(dir string) error {
	files, err := source.NewLoader(dir).Load()
	if err != nil {
		return fmt.Errorf("failed to load platform classes: %w", err)
	}
	units := make([]*core.SourceUnit, len(files))
	for i, f := range files {
		f.Unit.TenantID = registry.PlatformTenantID
		units[i] = f.Unit
	}
	return e.registry.SetPlatform(units)
}

// StartScheduler restores persisted tasks of every tenant except test mirrors
// and starts firing them.
func (e *Engine) StartScheduler(ctx context.Context) error {
	envs, err := e.tenants.List(ctx)
	if err != nil {
		return err
	}
	var tenants []core.Tenant
	for _, env := range envs {
		if testrunner.IsMirror(env.Name) {
			continue
		}
		t, err := e.tenants.Get(ctx, env.ID)
		if err != nil {
			return err
		}
		tenants = append(tenants, t)
	}
	err = e.scheduler.Restore(ctx, tenants...)
	e.scheduler.Start()
	e.logger.Info("scheduler started", "tenants", len(tenants))
	return err
}

// Close stops the scheduler and releases every connection.
func (e *Engine) Close() error {
	e.logger.Debug("closing engine")
	e.scheduler.Stop()

	var errs []error
	if err := e.tenants.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.master.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing engine: %w", errors.Join(errs...))
	}
	return nil
}

// --- Getters (public accessors) ---

// Tenants returns the environment manager.
func (e *Engine) Tenants() *tenant.Manager { return e.tenants }

// Registry returns the class registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Compiler returns the compiler.
func (e *Engine) Compiler() *compiler.Compiler { return e.compiler }

// Triggers returns the trigger binding service.
func (e *Engine) Triggers() *trigger.Service { return e.triggers }

// ErrorLog returns the error-log service.
func (e *Engine) ErrorLog() *errorlog.Service { return e.errorLog }

// Invoker returns the invoker.
func (e *Engine) Invoker() *invoke.Invoker { return e.invoker }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *schedule.Scheduler { return e.scheduler }

// Tests returns the test runner.
func (e *Engine) Tests() *testrunner.Runner { return e.tests }

// Mutations returns the record mutation pipeline.
func (e *Engine) Mutations() *mutation.Pipeline { return e.mutations }

// Metrics returns the metrics collector, which may be nil.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }
