// Package testrunner runs tenant test classes against an ephemeral mirror of
// a tenant, so tests never touch the tenant's own data.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/tenantrt/internal/compiler"
	"github.com/leapstack-labs/tenantrt/internal/invoke"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/registry"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/internal/trigger"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// MirrorPrefix marks test mirrors. A tenant called "acme" is mirrored as "[testing]-acme".
const MirrorPrefix = "[testing]-"

// TestMethodPrefix selects the methods run when none are named.
const TestMethodPrefix = "test"

// MsgMirrorNotFound is the message recorded when Run is called before SpanTestEnv.
const MsgMirrorNotFound = "test environment not found, must be created first using SpanTestEnv"

// MirrorName returns the mirror name of a tenant.
func MirrorName(tenantName string) string {
	return MirrorPrefix + tenantName
}

// IsMirror reports whether an environment name denotes a test mirror.
func IsMirror(name string) bool {
	return strings.HasPrefix(name, MirrorPrefix)
}

// MethodResult is the outcome of one test method.
type MethodResult struct {
	Name     string
	Passed   bool
	Error    string
	Duration time.Duration
}

// TestResults is the outcome of one Run. Errors holds failures that stopped
// the run before any method executed.
type TestResults struct {
	ClassName   string
	Environment string
	Methods     []MethodResult
	Errors      []string
	Duration    time.Duration
}

// Passed reports whether the run had no errors and every method passed.
func (r *TestResults) Passed() bool {
	if len(r.Errors) > 0 {
		return false
	}
	for _, m := range r.Methods {
		if !m.Passed {
			return false
		}
	}
	return true
}

// Failed returns the failed method results.
func (r *TestResults) Failed() []MethodResult {
	var out []MethodResult
	for _, m := range r.Methods {
		if !m.Passed {
			out = append(out, m)
		}
	}
	return out
}

func (r *TestResults) fail(format string, args ...any) *TestResults {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	return r
}

// Config holds runner collaborators.
type Config struct {
	Tenants  *tenant.Manager
	Compiler *compiler.Compiler
	Registry *registry.Registry
	Triggers *trigger.Service
	Invoker  *invoke.Invoker
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Runner spans test mirrors and runs test classes in them.
type Runner struct {
	tenants  *tenant.Manager
	compiler *compiler.Compiler
	registry *registry.Registry
	triggers *trigger.Service
	invoker  *invoke.Invoker
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// New creates a runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		tenants:  cfg.Tenants,
		compiler: cfg.Compiler,
		registry: cfg.Registry,
		triggers: cfg.Triggers,
		invoker:  cfg.Invoker,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

// SpanTestEnv replaces the tenant's test mirror with a fresh clone. The source
// tenant is reconnected whether or not the clone succeeds.
func (r *Runner) SpanTestEnv(ctx context.Context, src *tenant.Tenant) (*tenant.Tenant, error) {
	if IsMirror(src.Name()) {
		return nil, fmt.Errorf("cannot span a test environment from test environment %s", src.Name())
	}
	name := MirrorName(src.Name())

	old, err := r.tenants.GetByName(ctx, name)
	switch {
	case err == nil:
		r.forget(old.ID())
		if err := r.tenants.Delete(ctx, old.ID()); err != nil {
			return nil, fmt.Errorf("failed to delete previous test environment: %w", err)
		}
	case !errors.Is(err, tenant.ErrNotFound):
		return nil, err
	}

	mirror, err := r.tenants.Clone(ctx, src, name)
	if err != nil {
		return nil, err
	}
	r.logger.Info("test environment spanned", "tenant", src.Name(), "mirror", name)
	return mirror, nil
}

func (r *Runner) forget(tenantID string) {
	if r.registry != nil {
		r.registry.Drop(tenantID)
	}
	if r.triggers != nil {
		r.triggers.Forget(tenantID)
	}
}

// Run deploys className from src into the tenant's mirror and calls each
// requested method on a fresh instance. With no methods named, every
// zero-argument method whose name starts with "test" runs. Run never returns
// an error: problems are recorded in the results, and a failing method does
// not stop the ones after it.
func (r *Runner) Run(ctx context.Context, className string, methods []string, src core.Tenant) *TestResults {
	start := time.Now()
	res := &TestResults{ClassName: className}
	defer func() { res.Duration = time.Since(start) }()

	mirror, err := r.tenants.GetByName(ctx, MirrorName(src.Name()))
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return res.fail(MsgMirrorNotFound)
		}
		return res.fail("failed to open test environment: %v", err)
	}
	res.Environment = mirror.Name()

	unit, err := r.deploy(ctx, className, src, mirror)
	if err != nil {
		return res.fail("%v", err)
	}

	if len(methods) == 0 {
		methods, err = r.testMethods(ctx, mirror, unit)
		if err != nil {
			return res.fail("%v", err)
		}
		if len(methods) == 0 {
			return res.fail("class %s has no %s* methods", className, TestMethodPrefix)
		}
	}

	for _, method := range methods {
		res.Methods = append(res.Methods, r.runMethod(ctx, mirror, className, method))
	}

	r.logger.Info("test run finished", "tenant", src.Name(), "class", className,
		"methods", len(res.Methods), "failed", len(res.Failed()))
	return res
}

// deploy upserts the source tenant's current definition of className into the
// mirror and compiles it there.
func (r *Runner) deploy(ctx context.Context, className string, src, mirror core.Tenant) (*core.SourceUnit, error) {
	srcUnit, err := src.Store().GetUnitByName(ctx, className)
	if err != nil {
		return nil, fmt.Errorf("failed to read class %s: %w", className, err)
	}
	if srcUnit == nil {
		return nil, fmt.Errorf("class %s not found in environment %s", className, src.Name())
	}

	unit, err := mirror.Store().GetUnitByName(ctx, className)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy class %s: %w", className, err)
	}
	if unit == nil {
		unit = &core.SourceUnit{Package: srcUnit.Package, Name: srcUnit.Name, TenantID: mirror.ID()}
	}
	unit.Source = srcUnit.Source
	if err := mirror.Store().SaveUnit(ctx, unit); err != nil {
		return nil, fmt.Errorf("failed to deploy class %s: %w", className, err)
	}

	compiled, err := r.compiler.Compile(ctx, mirror, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy class %s: %w", className, err)
	}
	if !compiled.Success {
		return nil, compiler.AsCompilationError(compiled)
	}
	return unit, nil
}

func (r *Runner) testMethods(ctx context.Context, mirror core.Tenant, unit *core.SourceUnit) ([]string, error) {
	class, err := r.registry.Class(ctx, mirror, unit.QualifiedName())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range class.Descriptor.ZeroArgMethods() {
		if strings.HasPrefix(name, TestMethodPrefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (r *Runner) runMethod(ctx context.Context, mirror core.Tenant, className, method string) MethodResult {
	start := time.Now()
	_, err := r.invoker.CallByName(ctx, mirror, className, method, invoke.KindTest, nil)
	mr := MethodResult{Name: method, Passed: err == nil, Duration: time.Since(start)}
	if err != nil {
		mr.Error = err.Error()
	}
	r.metrics.RecordTestMethod(mr.Passed)
	return mr
}
