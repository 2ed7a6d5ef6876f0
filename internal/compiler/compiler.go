// Package compiler turns tenant source units into loadable classes.
//
// Build is pure: it parses and resolves the source, extracts the class
// descriptor from the syntax tree and serialises the compiled program.
// Compiler adds persistence of the outcome and namespace invalidation.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/tenantrt/internal/metrics"
	starlarkrt "github.com/leapstack-labs/tenantrt/internal/starlark"
	"github.com/leapstack-labs/tenantrt/pkg/core"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Class is a compiled source unit loaded for one tenant.
// A Class is immutable; instances are created from it by the registry.
type Class struct {
	TenantID      string
	UnitID        string
	QualifiedName string
	Descriptor    *Descriptor
	Program       *starlark.Program
	Artifact      []byte
	ArtifactHash  string
}

// Build compiles one unit for a tenant without touching any store.
// On failure the returned class is nil and the result carries diagnostics.
func Build(tenantID string, unit *core.SourceUnit) (*Class, *core.CompilationResult) {
	file := unit.QualifiedName()
	res := &core.CompilationResult{UnitID: unit.ID, QualifiedName: file}

	f, prog, err := starlark.SourceProgramOptions(starlarkrt.FileOptions(), file, unit.Source, starlarkrt.IsPredeclared)
	if err != nil {
		res.Diagnostics = diagnosticsOf(file, err)
		return nil, res
	}

	desc, diags := extractDescriptor(file, f)
	if len(diags) > 0 {
		res.Diagnostics = diags
		return nil, res
	}

	artifact, err := encodeArtifact(desc, prog)
	if err != nil {
		res.Diagnostics = []core.Diagnostic{{File: file, Message: err.Error()}}
		return nil, res
	}

	res.Success = true
	res.ArtifactHash = hashArtifact(artifact)
	return &Class{
		TenantID:      tenantID,
		UnitID:        unit.ID,
		QualifiedName: file,
		Descriptor:    desc,
		Program:       prog,
		Artifact:      artifact,
		ArtifactHash:  res.ArtifactHash,
	}, res
}

// Load decodes a unit's stored artifact without reparsing its source.
func Load(tenantID string, unit *core.SourceUnit) (*Class, error) {
	if len(unit.Artifact) == 0 {
		return nil, fmt.Errorf("unit %s has no compiled artifact", unit.QualifiedName())
	}
	desc, prog, err := decodeArtifact(unit.Artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", unit.QualifiedName(), err)
	}
	hash := unit.ArtifactHash
	if hash == "" {
		hash = hashArtifact(unit.Artifact)
	}
	return &Class{
		TenantID:      tenantID,
		UnitID:        unit.ID,
		QualifiedName: unit.QualifiedName(),
		Descriptor:    desc,
		Program:       prog,
		Artifact:      unit.Artifact,
		ArtifactHash:  hash,
	}, nil
}

func diagnosticsOf(file string, err error) []core.Diagnostic {
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return []core.Diagnostic{{
			File:    file,
			Line:    int(syntaxErr.Pos.Line),
			Column:  int(syntaxErr.Pos.Col),
			Message: syntaxErr.Msg,
		}}
	}

	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) {
		diags := make([]core.Diagnostic, 0, len(resolveErrs))
		for _, e := range resolveErrs {
			diags = append(diags, core.Diagnostic{
				File:    file,
				Line:    int(e.Pos.Line),
				Column:  int(e.Pos.Col),
				Message: e.Msg,
			})
		}
		return diags
	}

	return []core.Diagnostic{{File: file, Message: err.Error()}}
}

// Registry is the namespace cache the compiler keeps in step with the store.
type Registry interface {
	// Invalidate discards a tenant's namespace.
	Invalidate(tenantID string)
	// Class resolves a qualified name through the tenant's namespace.
	// Returns an error wrapping ErrClassNotFound when absent.
	Class(ctx context.Context, tenant core.Tenant, qualifiedName string) (*Class, error)
}

// Config holds compiler collaborators.
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Registry Registry
}

// CompileHook runs after a unit compiled successfully and its artifact was stored.
type CompileHook func(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit) error

// Compiler compiles units and records the outcome in the tenant's store.
type Compiler struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	registry Registry
	hook     CompileHook
}

// New creates a compiler.
func New(cfg Config) *Compiler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compiler{logger: logger, metrics: cfg.Metrics, registry: cfg.Registry}
}

// SetCompileHook installs a hook run after every successful compile.
// Collaborators built after the compiler, such as trigger bindings, use it to
// follow source changes.
func (c *Compiler) SetCompileHook(h CompileHook) {
	c.hook = h
}

// Compile builds a saved unit and persists its state and artifact.
// Compiling unchanged source again yields an equal result. The returned error
// is reserved for store failures; compile failures are reported in the result.
func (c *Compiler) Compile(ctx context.Context, tenant core.Tenant, unit *core.SourceUnit) (*core.CompilationResult, error) {
	if unit.ID == "" {
		return nil, fmt.Errorf("unit %s must be saved before compiling", unit.QualifiedName())
	}

	start := time.Now()
	class, res := Build(tenant.ID(), unit)
	c.metrics.RecordCompile(time.Since(start), res.Success)

	state, artifact := core.CompileStateError, []byte(nil)
	if res.Success {
		state, artifact = core.CompileStateCompiled, class.Artifact
	}
	if err := tenant.Store().UpdateCompileState(ctx, unit.ID, state, artifact, res.ArtifactHash); err != nil {
		return nil, fmt.Errorf("failed to record compile state of %s: %w", unit.QualifiedName(), err)
	}

	compiledAt := time.Now().UTC()
	unit.State = state
	unit.Artifact = artifact
	unit.ArtifactHash = res.ArtifactHash
	unit.LastCompiledAt = &compiledAt

	if c.registry != nil {
		c.registry.Invalidate(tenant.ID())
	}

	if res.Success {
		c.logger.Debug("compiled unit", "tenant", tenant.Name(), "class", res.QualifiedName, "hash", res.ArtifactHash)
		if c.hook != nil {
			if err := c.hook(ctx, tenant, unit); err != nil {
				return nil, fmt.Errorf("post-compile update of %s failed: %w", unit.QualifiedName(), err)
			}
		}
	} else {
		c.logger.Info("unit failed to compile", "tenant", tenant.Name(), "class", res.QualifiedName,
			"diagnostics", len(res.Diagnostics), "first", res.Description())
	}
	return res, nil
}

// CompileByName compiles the stored unit with the given qualified name.
func (c *Compiler) CompileByName(ctx context.Context, tenant core.Tenant, qualifiedName string) (*core.CompilationResult, error) {
	unit, err := tenant.Store().GetUnitByName(ctx, qualifiedName)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, notFound(qualifiedName)
	}
	return c.Compile(ctx, tenant, unit)
}

// GetClass returns the tenant's class for a qualified name.
// With forceRecompile the stored source is compiled first and a failure is
// returned as *CompilationError. Without it the current namespace is used.
func (c *Compiler) GetClass(ctx context.Context, tenant core.Tenant, qualifiedName string, forceRecompile bool) (*Class, error) {
	if forceRecompile {
		res, err := c.CompileByName(ctx, tenant, qualifiedName)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, AsCompilationError(res)
		}
	}

	if c.registry == nil {
		return c.directClass(ctx, tenant, qualifiedName)
	}

	class, err := c.registry.Class(ctx, tenant, qualifiedName)
	if err == nil {
		return class, nil
	}
	if !errors.Is(err, ErrClassNotFound) {
		return nil, err
	}

	unit, serr := tenant.Store().GetUnitByName(ctx, qualifiedName)
	if serr != nil {
		return nil, serr
	}
	if unit != nil && unit.State == core.CompileStateError {
		return nil, fmt.Errorf("%w: %s has compile errors", ErrClassNotFound, qualifiedName)
	}
	return nil, err
}

// directClass loads a class straight from the store when no registry is wired.
func (c *Compiler) directClass(ctx context.Context, tenant core.Tenant, qualifiedName string) (*Class, error) {
	unit, err := tenant.Store().GetUnitByName(ctx, qualifiedName)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, notFound(qualifiedName)
	}
	if unit.State == core.CompileStateCompiled {
		if class, err := Load(tenant.ID(), unit); err == nil {
			return class, nil
		}
	}
	class, res := Build(tenant.ID(), unit)
	if !res.Success {
		return nil, AsCompilationError(res)
	}
	return class, nil
}
