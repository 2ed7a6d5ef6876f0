// Package trigger validates and records which compiled classes fire on which
// record type and mutation phase, and serves the per-type lookup table the
// mutation pipeline reads on every write.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/registry"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Config holds service collaborators.
type Config struct {
	Compiler *compiler.Compiler
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Service manages trigger bindings for all tenants.
type Service struct {
	compiler *compiler.Compiler
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	indexes map[string]*atomic.Pointer[Index]
	// writeMu serialises binding changes per tenant so index recomputes never interleave
	writeMu map[string]*sync.Mutex
}

// NewService creates a trigger service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		compiler: cfg.Compiler,
		registry: cfg.Registry,
		logger:   logger,
		metrics:  cfg.Metrics,
		indexes:  make(map[string]*atomic.Pointer[Index]),
		writeMu:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) slot(tenantID string) (*atomic.Pointer[Index], *sync.Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.indexes[tenantID]
	if !ok {
		p = &atomic.Pointer[Index]{}
		s.indexes[tenantID] = p
		s.writeMu[tenantID] = &sync.Mutex{}
	}
	return p, s.writeMu[tenantID]
}

// Index returns the tenant's lookup table, loading it on first use.
func (s *Service) Index(ctx context.Context, tenant core.Tenant) (*Index, error) {
	p, _ := s.slot(tenant.ID())
	if idx := p.Load(); idx != nil {
		return idx, nil
	}
	return s.Refresh(ctx, tenant)
}

// Refresh recomputes the tenant's lookup table from the store.
func (s *Service) Refresh(ctx context.Context, tenant core.Tenant) (*Index, error) {
	p, _ := s.slot(tenant.ID())
	bindings, err := tenant.Store().ListBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger bindings of %s: %w", tenant.Name(), err)
	}
	idx := NewIndex(bindings)
	p.Store(idx)
	return idx, nil
}

// Forget drops the cached lookup table of a tenant.
func (s *Service) Forget(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes, tenantID)
	delete(s.writeMu, tenantID)
}

// Register binds a unit to a target type. Validation runs in order and stops at
// the first failure:
//  1. the unit compiles (a failure returns *compiler.CompilationError)
//  2. it carries a trigger marker naming the target type
//  3. it is not disabled
//  4. it extends DatabaseTrigger directly
//  5. it defines a zero-argument execute method
//
// Registering the same unit and type again updates the existing binding.
func (s *Service) Register(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit, target core.TypeRef, isSystem, isActive bool) (binding *core.TriggerBinding, err error) {
	defer func() { s.metrics.RecordBinding("register", err) }()

	unit, err = s.currentUnit(ctx, tenant, unit)
	if err != nil {
		return nil, err
	}
	qn := unit.QualifiedName()

	desc, err := s.compiledDescriptor(ctx, tenant, unit)
	if err != nil {
		return nil, err
	}

	if err := checkContract(qn, desc, target); err != nil {
		return nil, err
	}

	_, mu := s.slot(tenant.ID())
	mu.Lock()
	defer mu.Unlock()

	binding = &core.TriggerBinding{
		UnitID:    unit.ID,
		TypeID:    target.ID,
		TypeName:  target.QualifiedName,
		Phases:    desc.Phases,
		IsActive:  isActive,
		IsSystem:  isSystem,
		OldValues: desc.OldValues,
	}
	if err := tenant.Store().SaveBinding(ctx, binding); err != nil {
		return nil, err
	}
	if _, err := s.Refresh(ctx, tenant); err != nil {
		return nil, err
	}

	s.logger.Info("trigger registered", "tenant", tenant.Name(), "class", qn, "type", target.ID,
		"active", isActive, "system", isSystem, "ordinal", binding.Ordinal)
	return binding, nil
}

// Resync re-validates the bindings of a freshly compiled unit against its new
// descriptor. Bindings the unit no longer satisfies are removed; the others
// take the new phase flags and old-values request. Units that are not
// compiled are left alone.
func (s *Service) Resync(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit) (err error) {
	if unit.ID == "" || unit.State != core.CompileStateCompiled {
		return nil
	}

	_, mu := s.slot(tenant.ID())
	mu.Lock()
	defer mu.Unlock()

	bindings, err := tenant.Store().ListBindingsForUnit(ctx, unit.ID)
	if err != nil || len(bindings) == 0 {
		return err
	}
	defer func() { s.metrics.RecordBinding("resync", err) }()

	class, err := compiler.Load(tenant.ID(), unit)
	if err != nil {
		return err
	}
	desc, qn := class.Descriptor, unit.QualifiedName()

	var updated, removed int
	for _, b := range bindings {
		if verr := checkContract(qn, desc, b.Target()); verr != nil {
			if err := tenant.Store().DeleteBinding(ctx, b.ID); err != nil {
				return err
			}
			removed++
			s.logger.Warn("trigger binding removed", "tenant", tenant.Name(), "class", qn, "type", b.TypeID, "reason", verr)
			continue
		}
		if b.Phases == desc.Phases && b.OldValues == desc.OldValues {
			continue
		}
		b.Phases = desc.Phases
		b.OldValues = desc.OldValues
		if err := tenant.Store().SaveBinding(ctx, b); err != nil {
			return err
		}
		updated++
	}

	if updated+removed == 0 {
		return nil
	}
	if _, err := s.Refresh(ctx, tenant); err != nil {
		return err
	}
	s.logger.Info("trigger bindings resynced", "tenant", tenant.Name(), "class", qn, "updated", updated, "removed", removed)
	return nil
}

// Fires reports whether a class still honours binding b for the given phase
// and operation. Source edited after the last compile can drift from the
// stored binding until the next Resync.
func Fires(desc *compiler.Descriptor, b *core.TriggerBinding, phase core.Phase, op core.Operation) bool {
	return checkContract("", desc, b.Target()) == nil && desc.Phases.Has(phase, op)
}

// checkContract applies the registration checks after compilation, in order.
func checkContract(qn string, desc *compiler.Descriptor, target core.TypeRef) error {
	switch {
	case !desc.HasTrigger:
		return invalidClass(qn, target.ID, "no trigger marker")
	case !desc.TargetsType(target):
		return invalidClass(qn, target.ID, "trigger marker targets %q", desc.TriggerType)
	case desc.Disabled:
		return &RegistrationError{Kind: ErrTriggerDisabled, QualifiedName: qn, TypeID: target.ID}
	case desc.Supertype != compiler.TriggerBase:
		if desc.Supertype == "" {
			return invalidClass(qn, target.ID, "must extend %s", compiler.TriggerBase)
		}
		return invalidClass(qn, target.ID, "must extend %s directly, not %s", compiler.TriggerBase, desc.Supertype)
	}
	entry, ok := desc.Method(compiler.EntryMethod)
	if !ok {
		return invalidClass(qn, target.ID, "no %s method", compiler.EntryMethod)
	}
	if !entry.ZeroArg() {
		return invalidClass(qn, target.ID, "%s must take no arguments", compiler.EntryMethod)
	}
	return nil
}

// Unregister removes the binding of a unit to a type.
func (s *Service) Unregister(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit, target core.TypeRef) (err error) {
	defer func() { s.metrics.RecordBinding("unregister", err) }()

	unit, err = s.currentUnit(ctx, tenant, unit)
	if err != nil {
		return err
	}

	_, mu := s.slot(tenant.ID())
	mu.Lock()
	defer mu.Unlock()

	binding, err := tenant.Store().FindBinding(ctx, unit.ID, target.ID)
	if err != nil {
		return err
	}
	if binding == nil {
		return &RegistrationError{Kind: ErrNoBindingToUnregister, QualifiedName: unit.QualifiedName(), TypeID: target.ID}
	}
	if err := tenant.Store().DeleteBinding(ctx, binding.ID); err != nil {
		return err
	}
	if _, err := s.Refresh(ctx, tenant); err != nil {
		return err
	}

	s.logger.Info("trigger unregistered", "tenant", tenant.Name(), "class", unit.QualifiedName(), "type", target.ID)
	return nil
}

// UnregisterUnit removes every binding of a unit. Used when a unit is deleted.
func (s *Service) UnregisterUnit(ctx context.Context, tenant core.Tenant, unitID string) (int, error) {
	_, mu := s.slot(tenant.ID())
	mu.Lock()
	defer mu.Unlock()

	bindings, err := tenant.Store().ListBindingsForUnit(ctx, unitID)
	if err != nil {
		return 0, err
	}
	for _, b := range bindings {
		if err := tenant.Store().DeleteBinding(ctx, b.ID); err != nil {
			return 0, err
		}
	}
	if _, err := s.Refresh(ctx, tenant); err != nil {
		return 0, err
	}
	return len(bindings), nil
}

// Candidate is a compiled class that declares a trigger marker for a type.
type Candidate struct {
	Class *compiler.Class
	// Bound is set when the class already has a binding for the type.
	Bound bool
}

// Candidates scans every compiled class of the tenant for trigger markers naming
// the target type. This is linear in the number of classes and meant for admin use.
func (s *Service) Candidates(ctx context.Context, tenant core.Tenant, target core.TypeRef, excludeRegistered bool) ([]Candidate, error) {
	ns, err := s.registry.Namespace(ctx, tenant)
	if err != nil {
		return nil, err
	}
	idx, err := s.Index(ctx, tenant)
	if err != nil {
		return nil, err
	}
	bound := make(map[string]bool)
	for _, b := range idx.Bindings(target.ID) {
		bound[b.UnitID] = true
	}

	var out []Candidate
	for _, class := range ns.Classes() {
		if !class.Descriptor.TargetsType(target) {
			continue
		}
		if excludeRegistered && bound[class.UnitID] {
			continue
		}
		out = append(out, Candidate{Class: class, Bound: bound[class.UnitID]})
	}
	return out, nil
}

func (s *Service) currentUnit(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit) (*core.SourceUnit, error) {
	var cur *core.SourceUnit
	var err error
	if unit.ID != "" {
		cur, err = tenant.Store().GetUnit(ctx, unit.ID)
	} else {
		cur, err = tenant.Store().GetUnitByName(ctx, unit.QualifiedName())
	}
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", compiler.ErrClassNotFound, unit.QualifiedName())
	}
	return cur, nil
}

// compiledDescriptor compiles on demand and returns the unit's descriptor.
func (s *Service) compiledDescriptor(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit) (*compiler.Descriptor, error) {
	if unit.State == core.CompileStateCompiled {
		class, err := compiler.Load(tenant.ID(), unit)
		if err == nil {
			return class.Descriptor, nil
		}
		if !errors.Is(err, compiler.ErrArtifactFormat) {
			s.logger.Warn("reloading artifact failed, recompiling", "class", unit.QualifiedName(), "error", err)
		}
	}

	res, err := s.compiler.Compile(ctx, tenant, unit)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, compiler.AsCompilationError(res)
	}
	class, err := compiler.Load(tenant.ID(), unit)
	if err != nil {
		return nil, err
	}
	return class.Descriptor, nil
}
