// Package registry keeps one isolated namespace of loaded classes per tenant.
//
// Namespaces are built lazily from the tenant's store and discarded as a
// whole on any change within the tenant. Rebuilds run at most once at a time
// per tenant and are published with an atomic swap, so readers only ever see
// a complete namespace.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// PlatformTenantID owns the shared platform classes every tenant can load.
const PlatformTenantID = "platform"

// ErrClassNotFound is returned when a name resolves in neither the tenant nor the platform namespace.
var ErrClassNotFound = compiler.ErrClassNotFound

// IsolationFault is the panic value raised when a class owned by one tenant
// surfaces in another tenant's namespace. It is never recovered by the runtime.
type IsolationFault struct {
	NamespaceTenant string
	ClassTenant     string
	QualifiedName   string
}

func (f *IsolationFault) Error() string {
	return fmt.Sprintf("isolation fault: class %s of tenant %q reached namespace of tenant %q",
		f.QualifiedName, f.ClassTenant, f.NamespaceTenant)
}

// Config holds registry settings.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// MaxSteps caps execution steps per instance. Zero uses the interpreter default.
	MaxSteps uint64
	// Workers bounds parallel unit builds during a rebuild. Zero uses GOMAXPROCS.
	Workers int
}

// Registry maps tenant IDs to their current namespace.
type Registry struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	maxSteps uint64
	workers  int

	mu      sync.Mutex
	entries map[string]*entry

	rebuilds singleflight.Group
	platform atomic.Pointer[Namespace]
}

type entry struct {
	current    atomic.Pointer[Namespace]
	generation atomic.Uint64
}

var _ compiler.Registry = (*Registry)(nil)

// New creates an empty registry with an empty platform namespace.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	r := &Registry{
		logger:   logger,
		metrics:  cfg.Metrics,
		maxSteps: cfg.MaxSteps,
		workers:  workers,
		entries:  make(map[string]*entry),
	}
	r.platform.Store(newNamespace(PlatformTenantID, 0, nil, logger, cfg.MaxSteps))
	return r
}

func (r *Registry) entry(tenantID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{}
		r.entries[tenantID] = e
	}
	return e
}

// Invalidate discards the tenant's namespace; the next access rebuilds it.
func (r *Registry) Invalidate(tenantID string) {
	r.entry(tenantID).generation.Add(1)
	r.logger.Debug("namespace invalidated", "tenant", tenantID)
}

// Drop forgets a tenant entirely.
func (r *Registry) Drop(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, tenantID)
}

// Snapshot returns the last published namespace without waiting for a rebuild.
// It may be stale; it is nil before the first build.
func (r *Registry) Snapshot(tenantID string) *Namespace {
	return r.entry(tenantID).current.Load()
}

// Namespace returns a namespace that reflects every invalidation made before the call,
// rebuilding it if needed. Concurrent callers share one rebuild.
func (r *Registry) Namespace(ctx context.Context, tenant core.Tenant) (*Namespace, error) {
	e := r.entry(tenant.ID())
	want := e.generation.Load()
	if ns := e.current.Load(); ns != nil && ns.generation >= want {
		return ns, nil
	}

	for {
		v, err, _ := r.rebuilds.Do(tenant.ID(), func() (any, error) {
			return r.rebuild(context.WithoutCancel(ctx), tenant, e)
		})
		if err != nil {
			return nil, err
		}
		ns := v.(*Namespace)
		if ns.generation >= want {
			return ns, nil
		}
		// Joined a rebuild that started before our invalidation; go again.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) rebuild(ctx context.Context, tenant core.Tenant, e *entry) (*Namespace, error) {
	gen := e.generation.Load()
	if ns := e.current.Load(); ns != nil && ns.generation >= gen {
		return ns, nil
	}

	start := time.Now()
	ns, err := r.build(ctx, tenant, gen)
	r.metrics.RecordRebuild(tenant.Name(), time.Since(start), nsLen(ns), err)
	if err != nil {
		return nil, err
	}

	for {
		cur := e.current.Load()
		if cur != nil && cur.generation >= ns.generation {
			return cur, nil
		}
		if e.current.CompareAndSwap(cur, ns) {
			break
		}
	}
	r.logger.Debug("namespace rebuilt", "tenant", tenant.Name(), "generation", gen,
		"classes", ns.Len(), "failed", len(ns.failed), "duration", time.Since(start))
	return ns, nil
}

func (r *Registry) build(ctx context.Context, tenant core.Tenant, gen uint64) (*Namespace, error) {
	units, err := tenant.Store().ListUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list units of %s: %w", tenant.Name(), err)
	}

	type built struct {
		class *compiler.Class
		diags []core.Diagnostic
	}
	results := make([]built, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, unit := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			class, diags := r.loadUnit(tenant.ID(), unit)
			results[i] = built{class: class, diags: diags}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ns := newNamespace(tenant.ID(), gen, r.platform.Load(), r.logger, r.maxSteps)
	for i, res := range results {
		if res.class == nil {
			ns.failed[units[i].QualifiedName()] = res.diags
			continue
		}
		ns.add(res.class)
	}
	return ns, nil
}

// loadUnit prefers the stored artifact and falls back to building from source.
// Units in the ERROR state are skipped without rebuilding.
func (r *Registry) loadUnit(tenantID string, unit *core.SourceUnit) (*compiler.Class, []core.Diagnostic) {
	switch unit.State {
	case core.CompileStateError:
		return nil, []core.Diagnostic{{File: unit.QualifiedName(), Message: "unit has compile errors"}}
	case core.CompileStateCompiled:
		class, err := compiler.Load(tenantID, unit)
		if err == nil {
			return class, nil
		}
		r.logger.Warn("stored artifact unusable, rebuilding from source", "class", unit.QualifiedName(), "error", err)
	}

	class, res := compiler.Build(tenantID, unit)
	if !res.Success {
		return nil, res.Diagnostics
	}
	return class, nil
}

// Class resolves a qualified name through the tenant's current namespace.
func (r *Registry) Class(ctx context.Context, tenant core.Tenant, qualifiedName string) (*compiler.Class, error) {
	ns, err := r.Namespace(ctx, tenant)
	if err != nil {
		return nil, err
	}
	class, ok := ns.Lookup(qualifiedName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, qualifiedName)
	}
	return class, nil
}

// SetPlatform replaces the shared platform namespace. Units that fail to build
// are left out and reported in the returned error. Every tenant namespace is
// invalidated so the new platform classes become visible.
func (r *Registry) SetPlatform(units []*core.SourceUnit) error {
	ns := newNamespace(PlatformTenantID, 0, nil, r.logger, r.maxSteps)
	var errs []error
	for _, unit := range units {
		class, res := compiler.Build(PlatformTenantID, unit)
		if !res.Success {
			ns.failed[unit.QualifiedName()] = res.Diagnostics
			errs = append(errs, compiler.AsCompilationError(res))
			continue
		}
		ns.add(class)
	}
	r.platform.Store(ns)

	r.mu.Lock()
	for _, e := range r.entries {
		e.generation.Add(1)
	}
	r.mu.Unlock()

	r.logger.Info("platform namespace loaded", "classes", ns.Len(), "failed", len(errs))
	return errors.Join(errs...)
}

// Platform returns the shared platform namespace.
func (r *Registry) Platform() *Namespace {
	return r.platform.Load()
}

func nsLen(ns *Namespace) int {
	if ns == nil {
		return 0
	}
	return ns.Len()
}
