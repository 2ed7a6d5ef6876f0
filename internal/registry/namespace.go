package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	starlarkrt "github.com/leapstack-labs/tenantrt/internal/starlark"
	"github.com/leapstack-labs/tenantrt/pkg/core"
	"go.starlark.net/starlark"
)

// Namespace is one tenant's immutable symbol table of loaded classes.
// A new Namespace is built on every rebuild; existing ones are never mutated.
type Namespace struct {
	tenantID   string
	generation uint64

	// byName maps qualified names to classes: "com.acme.InvoiceTrigger" → *Class
	byName map[string]*compiler.Class
	// byUnit maps source unit IDs to classes
	byUnit map[string]*compiler.Class
	// failed maps qualified names of units that did not build to their diagnostics
	failed map[string][]core.Diagnostic

	// platform is the shared fallback; nil for the platform namespace itself
	platform *Namespace

	logger   *slog.Logger
	maxSteps uint64
}

func newNamespace(tenantID string, generation uint64, platform *Namespace, logger *slog.Logger, maxSteps uint64) *Namespace {
	return &Namespace{
		tenantID:   tenantID,
		generation: generation,
		byName:     make(map[string]*compiler.Class),
		byUnit:     make(map[string]*compiler.Class),
		failed:     make(map[string][]core.Diagnostic),
		platform:   platform,
		logger:     logger,
		maxSteps:   maxSteps,
	}
}

func (ns *Namespace) add(class *compiler.Class) {
	ns.assertOwned(class)
	ns.byName[class.QualifiedName] = class
	if class.UnitID != "" {
		ns.byUnit[class.UnitID] = class
	}
}

// TenantID returns the owning tenant.
func (ns *Namespace) TenantID() string { return ns.tenantID }

// Generation returns the invalidation generation this namespace was built for.
func (ns *Namespace) Generation() uint64 { return ns.generation }

// Lookup resolves a qualified name through this tenant first, then the platform namespace.
func (ns *Namespace) Lookup(qualifiedName string) (*compiler.Class, bool) {
	if class, ok := ns.byName[qualifiedName]; ok {
		ns.assertOwned(class)
		return class, true
	}
	if ns.platform != nil {
		if class, ok := ns.platform.byName[qualifiedName]; ok {
			ns.platform.assertOwned(class)
			return class, true
		}
	}
	return nil, false
}

// ByUnitID returns the tenant's own class compiled from a unit.
func (ns *Namespace) ByUnitID(unitID string) (*compiler.Class, bool) {
	class, ok := ns.byUnit[unitID]
	if ok {
		ns.assertOwned(class)
	}
	return class, ok
}

// Classes returns the tenant's own classes ordered by qualified name.
func (ns *Namespace) Classes() []*compiler.Class {
	classes := make([]*compiler.Class, 0, len(ns.byName))
	for _, class := range ns.byName {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool {
		return classes[i].QualifiedName < classes[j].QualifiedName
	})
	return classes
}

// Failed returns the diagnostics of units skipped during the rebuild.
func (ns *Namespace) Failed() map[string][]core.Diagnostic {
	return ns.failed
}

// Len returns the number of the tenant's own classes.
func (ns *Namespace) Len() int { return len(ns.byName) }

// assertOwned panics with an IsolationFault when a class belongs to another tenant.
func (ns *Namespace) assertOwned(class *compiler.Class) {
	if class.TenantID != ns.tenantID {
		panic(&IsolationFault{
			NamespaceTenant: ns.tenantID,
			ClassTenant:     class.TenantID,
			QualifiedName:   class.QualifiedName,
		})
	}
}

// Instantiate creates a fresh instance of class: the program's top level runs
// on a new thread with a new self. load() statements resolve through this
// namespace only.
func (ns *Namespace) Instantiate(ctx context.Context, class *compiler.Class, self *starlarkrt.Self) (*Instance, error) {
	if class.TenantID != PlatformTenantID || ns.platform == nil {
		ns.assertOwned(class)
	}
	if self == nil {
		self = &starlarkrt.Self{}
	}
	bound, err := self.Bind()
	if err != nil {
		return nil, fmt.Errorf("failed to bind self for %s: %w", class.QualifiedName, err)
	}

	loads := &loadCache{entries: make(map[string]*loadEntry)}
	thread := starlarkrt.NewThread(starlarkrt.ThreadOptions{
		Name:     class.QualifiedName,
		Logger:   ns.logger,
		MaxSteps: ns.maxSteps,
		Load:     ns.loader(ctx, loads),
	})

	release := starlarkrt.Bind(ctx, thread)
	globals, err := class.Program.Init(thread, starlarkrt.Predeclared(bound.Value))
	release()
	if err = starlarkrt.CheckSteps(thread, ns.maxSteps, err); err != nil {
		return nil, &InstantiationError{QualifiedName: class.QualifiedName, Err: err}
	}

	return &Instance{Class: class, globals: globals, thread: thread, self: bound, maxSteps: ns.maxSteps}, nil
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
}

type loadCache struct {
	entries map[string]*loadEntry
}

// loader resolves load("qualified.Name", ...) against this namespace.
// Modules are initialised once per instance; cycles are reported as errors.
// A module's top level runs bound to ctx, the context of the instantiation
// that loads it.
func (ns *Namespace) loader(ctx context.Context, cache *loadCache) starlarkrt.LoadFunc {
	return func(thread *starlark.Thread, module string) (starlark.StringDict, error) {
		e, ok := cache.entries[module]
		if ok {
			if e == nil {
				return nil, fmt.Errorf("cycle in load graph involving %s", module)
			}
			return e.globals, e.err
		}

		class, found := ns.Lookup(module)
		if !found {
			return nil, fmt.Errorf("cannot load %s: %w", module, ErrClassNotFound)
		}

		cache.entries[module] = nil
		sub := starlarkrt.NewThread(starlarkrt.ThreadOptions{
			Name:     class.QualifiedName,
			Logger:   ns.logger,
			MaxSteps: ns.maxSteps,
			Load:     thread.Load,
		})
		release := starlarkrt.Bind(ctx, sub)
		globals, err := class.Program.Init(sub, starlarkrt.Predeclared(starlark.None))
		release()
		err = starlarkrt.CheckSteps(sub, ns.maxSteps, err)
		if err == nil {
			globals.Freeze()
		}
		cache.entries[module] = &loadEntry{globals: globals, err: err}
		return globals, err
	}
}

// Instance is one live instantiation of a class. Instances are not safe for
// concurrent use and are never shared between calls.
type Instance struct {
	Class   *compiler.Class
	globals starlark.StringDict
	thread  *starlark.Thread
	self    *starlarkrt.BoundSelf

	maxSteps uint64
}

// HasMethod reports whether the instance exposes a callable with the given name.
func (i *Instance) HasMethod(name string) bool {
	_, ok := i.globals[name].(starlark.Callable)
	return ok
}

// Call invokes a method of the instance.
func (i *Instance) Call(ctx context.Context, method string, args ...starlark.Value) (starlark.Value, error) {
	fn, ok := i.globals[method].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: method %s does not exist in class %s", ErrMethodNotFound, method, i.Class.QualifiedName)
	}
	release := starlarkrt.Bind(ctx, i.thread)
	v, err := starlark.Call(i.thread, fn, starlark.Tuple(args), nil)
	release()
	return v, starlarkrt.CheckSteps(i.thread, i.maxSteps, err)
}

// NewValues returns the new-values batch as modified by the instance.
func (i *Instance) NewValues() ([]*core.Record, error) {
	return i.self.NewValues()
}

// InstantiationError wraps a failure while running a class's top level.
type InstantiationError struct {
	QualifiedName string
	Err           error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate %s: %v", e.QualifiedName, e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }

// ErrMethodNotFound is returned when a requested method is not defined by a class.
var ErrMethodNotFound = errors.New("method not found")
