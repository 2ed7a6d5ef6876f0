// Package invoke runs compiled tenant classes: trigger firings on record
// mutations, scheduled task calls and test methods. Every call gets a fresh
// instance, and every failure raised by tenant code is caught here, logged
// and returned as a typed fault.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"time"

	"go.starlark.net/starlark"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/errorlog"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/registry"
	starlarkrt "github.com/leapstack-labs/tenantrt/internal/starlark"
	"github.com/leapstack-labs/tenantrt/internal/trigger"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Invocation kinds, used as metric labels.
const (
	KindTrigger = "trigger"
	KindTask    = "task"
	KindTest    = "test"
)

// ContextProvider supplies opaque objects injected into every instance as
// self.context entries. Values are passed through unmodified.
type ContextProvider interface {
	ContextValues(ctx context.Context, tenant core.Tenant) (map[string]any, error)
}

// ProviderFunc adapts a function to ContextProvider.
type ProviderFunc func(ctx context.Context, tenant core.Tenant) (map[string]any, error)

// ContextValues calls f.
func (f ProviderFunc) ContextValues(ctx context.Context, tenant core.Tenant) (map[string]any, error) {
	return f(ctx, tenant)
}

type userKey struct{}

// WithUser attaches the acting user ID to ctx. It ends up in error-log entries.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user ID attached with WithUser.
func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Config holds invoker collaborators.
type Config struct {
	Registry  *registry.Registry
	Triggers  *trigger.Service
	ErrorLog  *errorlog.Service
	Providers []ContextProvider
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	// Timeout bounds each call into tenant code. Zero means no timeout.
	Timeout time.Duration
}

// Invoker calls into tenant code.
type Invoker struct {
	registry  *registry.Registry
	triggers  *trigger.Service
	errorLog  *errorlog.Service
	providers []ContextProvider
	logger    *slog.Logger
	metrics   *metrics.Collector
	timeout   time.Duration
}

// New creates an invoker.
func New(cfg Config) *Invoker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	errLog := cfg.ErrorLog
	if errLog == nil {
		errLog = errorlog.New(errorlog.Config{Logger: logger})
	}
	return &Invoker{
		registry:  cfg.Registry,
		triggers:  cfg.Triggers,
		errorLog:  errLog,
		providers: cfg.Providers,
		logger:    logger,
		metrics:   cfg.Metrics,
		timeout:   cfg.Timeout,
	}
}

// FireTriggers runs every active binding of typeID for phase and op, in
// binding order. Each binding gets a fresh instance that sees the new values
// as modified by the bindings before it. Old values are passed for deletes,
// and for inserts and updates only to bindings that requested them.
//
// It returns the new values as left by the last binding. The first fault
// stops the firing and is returned as *TriggerFault.
func (inv *Invoker) FireTriggers(ctx context.Context, tenant core.Tenant, typeID string, phase core.Phase, op core.Operation, newValues, oldValues []*core.Record) ([]*core.Record, error) {
	idx, err := inv.triggers.Index(ctx, tenant)
	if err != nil {
		return nil, err
	}
	bindings := idx.Lookup(typeID, phase, op)
	if len(bindings) == 0 {
		return newValues, nil
	}

	ns, err := inv.registry.Namespace(ctx, tenant)
	if err != nil {
		return nil, err
	}
	injections, err := inv.contextValues(ctx, tenant, nil)
	if err != nil {
		return nil, err
	}

	current := newValues
	for _, b := range bindings {
		self := &starlarkrt.Self{
			Operation: op,
			Phase:     phase,
			NewValues: current,
			Context:   injections,
		}
		if op == core.OpDelete || b.OldValues {
			self.OldValues = oldValues
			if self.OldValues == nil {
				self.OldValues = []*core.Record{}
			}
		}

		start := time.Now()
		next, err := inv.fire(ctx, tenant, ns, b, self)
		inv.metrics.RecordInvocation(KindTrigger, string(phase), time.Since(start), err)
		if err != nil {
			var fault *Fault
			if !errors.As(err, &fault) {
				return nil, err
			}
			return nil, &TriggerFault{Phase: phase, Operation: op, TypeID: typeID, BindingID: b.ID, Fault: fault}
		}
		current = next
	}
	return current, nil
}

func (inv *Invoker) fire(ctx context.Context, tenant core.Tenant, ns *registry.Namespace, b *core.TriggerBinding, self *starlarkrt.Self) ([]*core.Record, error) {
	class, ok := ns.ByUnitID(b.UnitID)
	if !ok {
		// A bound unit that no longer builds still has to stop the mutation.
		err := fmt.Errorf("%w: unit %s bound to %s", registry.ErrClassNotFound, b.UnitID, b.TypeID)
		return nil, inv.fault(ctx, tenant, b.UnitID, compiler.EntryMethod, FaultError, err, "")
	}
	if !trigger.Fires(class.Descriptor, b, self.Phase, self.Operation) {
		inv.logger.Debug("skipping binding the class no longer honours", "tenant", tenant.Name(),
			"class", class.QualifiedName, "type", b.TypeID, "phase", self.Phase, "operation", self.Operation)
		return self.NewValues, nil
	}

	var out []*core.Record
	err := inv.guard(ctx, tenant, class, compiler.EntryMethod, func(ctx context.Context) error {
		inst, err := ns.Instantiate(ctx, class, self)
		if err != nil {
			return err
		}
		if _, err := inst.Call(ctx, compiler.EntryMethod); err != nil {
			return err
		}
		out, err = inst.NewValues()
		return err
	})
	return out, err
}

// Call instantiates class in the tenant's namespace and calls method with no
// arguments. injections are added to the provider context values. A missing
// method returns an error wrapping registry.ErrMethodNotFound; failures of
// tenant code return *Fault.
func (inv *Invoker) Call(ctx context.Context, tenant core.Tenant, class *compiler.Class, method, kind string, injections map[string]any) (result starlark.Value, err error) {
	start := time.Now()
	defer func() { inv.metrics.RecordInvocation(kind, "", time.Since(start), err) }()

	ns, err := inv.registry.Namespace(ctx, tenant)
	if err != nil {
		return nil, err
	}
	values, err := inv.contextValues(ctx, tenant, injections)
	if err != nil {
		return nil, err
	}

	err = inv.guard(ctx, tenant, class, method, func(ctx context.Context) error {
		inst, err := ns.Instantiate(ctx, class, &starlarkrt.Self{Context: values})
		if err != nil {
			return err
		}
		if !inst.HasMethod(method) {
			return methodNotFound(class, method)
		}
		result, err = inst.Call(ctx, method)
		return err
	})
	return result, err
}

// CallByName resolves qualifiedName through the tenant's namespace and calls method.
func (inv *Invoker) CallByName(ctx context.Context, tenant core.Tenant, qualifiedName, method, kind string, injections map[string]any) (starlark.Value, error) {
	class, err := inv.registry.Class(ctx, tenant, qualifiedName)
	if err != nil {
		return nil, err
	}
	return inv.Call(ctx, tenant, class, method, kind, injections)
}

type methodNotFoundError struct{ err error }

func (e methodNotFoundError) Error() string { return e.err.Error() }
func (e methodNotFoundError) Unwrap() error { return e.err }

func methodNotFound(class *compiler.Class, method string) error {
	return methodNotFoundError{fmt.Errorf("%w: method %s does not exist in class %s", registry.ErrMethodNotFound, method, class.QualifiedName)}
}

// guard runs fn with the call timeout, converting errors and panics raised by
// tenant code into a logged *Fault. Isolation faults are never recovered.
func (inv *Invoker) guard(ctx context.Context, tenant core.Tenant, class *compiler.Class, method string, fn func(context.Context) error) (err error) {
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(*registry.IsolationFault); ok {
			panic(r)
		}
		inv.metrics.RecordFault(FaultPanic)
		err = inv.fault(ctx, tenant, class.QualifiedName, method, FaultPanic, fmt.Errorf("panic: %v", r), string(debug.Stack()))
	}()

	err = fn(ctx)
	if err == nil {
		return nil
	}
	var notFound methodNotFoundError
	if errors.As(err, &notFound) {
		return notFound.err
	}
	kind := FaultError
	if errors.Is(err, starlarkrt.ErrStepBudget) || ctx.Err() != nil {
		kind = FaultCancelled
	}
	inv.metrics.RecordFault(kind)
	return inv.fault(ctx, tenant, class.QualifiedName, method, kind, err, "")
}

// fault logs err through the error log and wraps it.
func (inv *Invoker) fault(ctx context.Context, tenant core.Tenant, qualifiedName, method, kind string, err error, details string) error {
	loc := starlarkrt.FaultLocation(err)
	if details == "" {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			details = evalErr.Backtrace()
		} else {
			details = err.Error()
		}
	}

	entry := &core.ErrorLog{
		TenantID:  tenant.ID(),
		Message:   err.Error(),
		Details:   details,
		Severity:  core.ErrorSeverityError,
		CodeClass: qualifiedName,
		CodeLine:  loc.Line,
		UserID:    UserFrom(ctx),
	}
	// Log warns about its own failed writes; the fault goes back either way.
	_ = inv.errorLog.Log(context.WithoutCancel(ctx), entry)

	return &Fault{
		TenantID:      tenant.ID(),
		QualifiedName: qualifiedName,
		Method:        method,
		Kind:          kind,
		Location:      loc,
		Err:           err,
	}
}

func (inv *Invoker) contextValues(ctx context.Context, tenant core.Tenant, extra map[string]any) (map[string]any, error) {
	values := make(map[string]any)
	for _, p := range inv.providers {
		v, err := p.ContextValues(ctx, tenant)
		if err != nil {
			return nil, fmt.Errorf("context provider failed: %w", err)
		}
		maps.Copy(values, v)
	}
	maps.Copy(values, extra)
	return values, nil
}
