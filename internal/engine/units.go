package engine

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// CreateTenant creates a new environment.
func (e *Engine) CreateTenant(ctx context.Context, name string) (*tenant.Tenant, error) {
	return e.tenants.Create(ctx, name)
}

// Tenant returns the connected environment with the given name.
func (e *Engine) Tenant(ctx context.Context, name string) (*tenant.Tenant, error) {
	return e.tenants.GetByName(ctx, name)
}

// DeleteTenant removes an environment along with its cached namespace,
// trigger index and cron entries.
func (e *Engine) DeleteTenant(ctx context.Context, name string) error {
	t, err := e.tenants.GetByName(ctx, name)
	if err != nil {
		return err
	}
	e.scheduler.Forget(t.ID())
	e.triggers.Forget(t.ID())
	e.registry.Drop(t.ID())
	return e.tenants.Delete(ctx, t.ID())
}

// SaveUnit upserts a unit by qualified name. Changed source is left
// uncompiled until the next Compile or namespace rebuild.
//
// Trigger bindings of the unit are re-derived only by Compile. Until then a
// binding stops firing for phases the new source dropped or when the class
// is disabled, but phases the new source added do not fire yet and the
// type's snapshot flag keeps its old value.
func (e *Engine) SaveUnit(ctx context.Context, t core.Tenant, qualifiedName, src string) (*core.SourceUnit, error) {
	pkg, name := core.SplitQualifiedName(qualifiedName)
	unit := &core.SourceUnit{Package: pkg, Name: name, TenantID: t.ID(), Source: src}
	if err := t.Store().SaveUnit(ctx, unit); err != nil {
		return nil, err
	}
	e.registry.Invalidate(t.ID())
	e.logger.Debug("unit saved", "tenant", t.Name(), "class", qualifiedName, "state", unit.State)
	return unit, nil
}

// Compile compiles a stored unit by qualified name.
func (e *Engine) Compile(ctx context.Context, t core.Tenant, qualifiedName string) (*core.CompilationResult, error) {
	return e.compiler.CompileByName(ctx, t, qualifiedName)
}

// CompileAll compiles every unit of a tenant and returns the failed results.
func (e *Engine) CompileAll(ctx context.Context, t core.Tenant) ([]*core.CompilationResult, error) {
	units, err := t.Store().ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	var failed []*core.CompilationResult
	for _, unit := range units {
		res, err := e.compiler.Compile(ctx, t, unit)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed, nil
}

// Unit returns a stored unit by qualified name.
func (e *Engine) Unit(ctx context.Context, t core.Tenant, qualifiedName string) (*core.SourceUnit, error) {
	unit, err := t.Store().GetUnitByName(ctx, qualifiedName)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, fmt.Errorf("%w: %s", compiler.ErrClassNotFound, qualifiedName)
	}
	return unit, nil
}

// DeleteUnit removes a unit together with its trigger bindings and scheduled tasks.
func (e *Engine) DeleteUnit(ctx context.Context, t core.Tenant, qualifiedName string) error {
	unit, err := e.Unit(ctx, t, qualifiedName)
	if err != nil {
		return err
	}

	bindings, err := e.triggers.UnregisterUnit(ctx, t, unit.ID)
	if err != nil {
		return fmt.Errorf("failed to remove bindings of %s: %w", qualifiedName, err)
	}
	tasks, err := e.scheduler.UnscheduleUnit(ctx, t, unit.ID)
	if err != nil {
		return fmt.Errorf("failed to remove tasks of %s: %w", qualifiedName, err)
	}
	if err := t.Store().DeleteUnit(ctx, unit.ID); err != nil {
		return err
	}
	e.registry.Invalidate(t.ID())

	e.logger.Info("unit deleted", "tenant", t.Name(), "class", qualifiedName, "bindings", bindings, "tasks", tasks)
	return nil
}

// InsertRecords writes records through the mutation pipeline.
func (e *Engine) InsertRecords(ctx context.Context, t *tenant.Tenant, typeID string, records []*core.Record) ([]*core.Record, error) {
	return e.mutations.Insert(ctx, t, typeID, records)
}
