// Package schedule binds unit methods to cron schedules and fires them through
// the invoker.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.starlark.net/starlark"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/invoke"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/registry"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Errors returned by the scheduler.
var (
	ErrTaskNotFound    = errors.New("scheduled task not found")
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrMethodNotFound is registry.ErrMethodNotFound; a task naming a method the
	// class does not define is rejected when it is scheduled.
	ErrMethodNotFound = registry.ErrMethodNotFound
)

// TaskError is a failed task execution.
type TaskError struct {
	TenantID string
	TaskID   string
	Name     string
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("scheduled task %s failed: %v", e.Name, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// TenantLookup resolves a tenant ID when a cron entry fires.
type TenantLookup func(ctx context.Context, tenantID string) (core.Tenant, error)

// Config holds scheduler collaborators.
type Config struct {
	Compiler *compiler.Compiler
	Registry *registry.Registry
	Invoker  *invoke.Invoker
	Tenants  TenantLookup
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	// Location is the time zone schedules are evaluated in. Nil means UTC.
	Location *time.Location
}

type entryKey struct {
	tenantID string
	taskID   string
}

// Scheduler owns the cron runner and the task entries registered with it.
type Scheduler struct {
	compiler *compiler.Compiler
	registry *registry.Registry
	invoker  *invoke.Invoker
	tenants  TenantLookup
	logger   *slog.Logger
	metrics  *metrics.Collector

	cron   *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[entryKey]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		compiler: cfg.Compiler,
		registry: cfg.Registry,
		invoker:  cfg.Invoker,
		tenants:  cfg.Tenants,
		logger:   logger,
		metrics:  cfg.Metrics,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: make(map[entryKey]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Schedule binds method of unit to a cron expression under a task name. The
// class is compiled if needed and the method must exist and take no arguments.
// Scheduling an existing name again replaces its method and schedule.
func (s *Scheduler) Schedule(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit, method, name, expr string) (*core.ScheduledTask, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}

	class, err := s.compiler.GetClass(ctx, tenant, unit.QualifiedName(), unit.State != core.CompileStateCompiled)
	if err != nil {
		return nil, err
	}
	m, ok := class.Descriptor.Method(method)
	if !ok {
		return nil, fmt.Errorf("%w: method %s does not exist in class %s", ErrMethodNotFound, method, class.QualifiedName)
	}
	if !m.ZeroArg() {
		return nil, fmt.Errorf("method %s of class %s must take no arguments", method, class.QualifiedName)
	}

	if name == "" {
		name = class.QualifiedName + "." + method
	}
	task := &core.ScheduledTask{
		Name:     name,
		UnitID:   class.UnitID,
		Method:   method,
		Schedule: expr,
	}
	if err := tenant.Store().SaveTask(ctx, task); err != nil {
		return nil, err
	}
	s.add(tenant.ID(), task, sched)

	s.logger.Info("task scheduled", "tenant", tenant.Name(), "task", task.Name, "class", class.QualifiedName,
		"method", method, "schedule", expr)
	return task, nil
}

// Unschedule removes a task and its cron entry.
func (s *Scheduler) Unschedule(ctx context.Context, tenant core.Tenant, taskID string) error {
	task, err := tenant.Store().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	s.remove(tenant.ID(), taskID)
	return tenant.Store().DeleteTask(ctx, taskID)
}

// UnscheduleUnit removes every task of a unit and returns how many were removed.
func (s *Scheduler) UnscheduleUnit(ctx context.Context, tenant core.Tenant, unitID string) (int, error) {
	tasks, err := tenant.Store().ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range tasks {
		if task.UnitID != unitID {
			continue
		}
		s.remove(tenant.ID(), task.ID)
		if err := tenant.Store().DeleteTask(ctx, task.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Forget drops the cron entries of a tenant without touching its store.
func (s *Scheduler) Forget(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, id := range s.entries {
		if key.tenantID == tenantID {
			s.cron.Remove(id)
			delete(s.entries, key)
		}
	}
}

// Restore registers cron entries for every persisted task of the tenants.
// Tasks with unparsable schedules are skipped and reported.
func (s *Scheduler) Restore(ctx context.Context, tenants ...core.Tenant) error {
	var errs []error
	for _, tenant := range tenants {
		tasks, err := tenant.Store().ListTasks(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant.Name(), err))
			continue
		}
		for _, task := range tasks {
			sched, err := s.parser.Parse(task.Schedule)
			if err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w %q: %v", task.Name, ErrInvalidSchedule, task.Schedule, err))
				continue
			}
			s.add(tenant.ID(), task, sched)
		}
		s.logger.Debug("tasks restored", "tenant", tenant.Name(), "tasks", len(tasks))
	}
	return errors.Join(errs...)
}

// Next returns the next fire time of a registered task.
func (s *Scheduler) Next(tenantID, taskID string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[entryKey{tenantID, taskID}]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Execute runs a task now. Tasks get no old or new values; the task name is
// injected as self.context["task"].
func (s *Scheduler) Execute(ctx context.Context, tenant core.Tenant, taskID string) (err error) {
	task, err := tenant.Store().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	defer func() {
		s.metrics.RecordTaskRun(err)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if rerr := tenant.Store().RecordTaskRun(context.WithoutCancel(ctx), task.ID, msg); rerr != nil {
			s.logger.Warn("failed to record task run", "task", task.Name, "error", rerr)
		}
	}()

	ns, err := s.registry.Namespace(ctx, tenant)
	if err != nil {
		return &TaskError{TenantID: tenant.ID(), TaskID: task.ID, Name: task.Name, Err: err}
	}
	class, ok := ns.ByUnitID(task.UnitID)
	if !ok {
		return &TaskError{TenantID: tenant.ID(), TaskID: task.ID, Name: task.Name,
			Err: fmt.Errorf("%w: unit %s", registry.ErrClassNotFound, task.UnitID)}
	}

	_, err = s.invoker.Call(ctx, tenant, class, task.Method, invoke.KindTask, map[string]any{"task": starlark.String(task.Name)})
	if err != nil {
		return &TaskError{TenantID: tenant.ID(), TaskID: task.ID, Name: task.Name, Err: err}
	}
	s.logger.Debug("task executed", "tenant", tenant.Name(), "task", task.Name)
	return nil
}

func (s *Scheduler) add(tenantID string, task *core.ScheduledTask, sched cron.Schedule) {
	key := entryKey{tenantID, task.ID}
	taskID, name := task.ID, task.Name

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
	}
	s.entries[key] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(tenantID, taskID, name)
	}))
}

func (s *Scheduler) remove(tenantID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{tenantID, taskID}
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
}

func (s *Scheduler) fire(tenantID, taskID, name string) {
	if s.tenants == nil {
		s.logger.Warn("no tenant lookup configured, task skipped", "task", name)
		return
	}
	tenant, err := s.tenants(s.ctx, tenantID)
	if err != nil {
		s.logger.Warn("tenant of scheduled task unavailable", "tenant", tenantID, "task", name, "error", err)
		return
	}
	if err := s.Execute(s.ctx, tenant, taskID); err != nil {
		s.logger.Warn("scheduled task failed", "tenant", tenant.Name(), "task", name, "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
