package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Manifest declares the units, trigger bindings and scheduled tasks of one tenant.
type Manifest struct {
	Tenant   string            `yaml:"tenant"`
	Units    []ManifestUnit    `yaml:"units"`
	Triggers []ManifestTrigger `yaml:"triggers"`
	Tasks    []ManifestTask    `yaml:"tasks"`
}

// ManifestUnit is a unit given inline or by file.
type ManifestUnit struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	// File is relative to the manifest's directory.
	File string `yaml:"file"`
}

// ManifestTrigger binds a unit to a record type.
type ManifestTrigger struct {
	Unit     string `yaml:"unit"`
	Type     string `yaml:"type"`
	TypeName string `yaml:"type_name"`
	System   bool   `yaml:"system"`
	// Active defaults to true.
	Active *bool `yaml:"active"`
}

// ManifestTask schedules a unit method.
type ManifestTask struct {
	Unit     string `yaml:"unit"`
	Method   string `yaml:"method"`
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: manifest path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data, filepath.Dir(path))
}

// ParseManifest decodes a manifest. Unit files are read relative to baseDir.
// Unknown keys are rejected.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.resolve(baseDir); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) resolve(baseDir string) error {
	var errs []error
	if m.Tenant == "" {
		errs = append(errs, errors.New("tenant is required"))
	}
	for i := range m.Units {
		u := &m.Units[i]
		switch {
		case u.Name == "":
			errs = append(errs, fmt.Errorf("units[%d]: name is required", i))
		case u.Source != "" && u.File != "":
			errs = append(errs, fmt.Errorf("units[%d] %s: source and file are mutually exclusive", i, u.Name))
		case u.File != "":
			path := u.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			content, err := os.ReadFile(path) //nolint:gosec // G304: relative to the manifest
			if err != nil {
				errs = append(errs, fmt.Errorf("units[%d] %s: %w", i, u.Name, err))
				continue
			}
			u.Source = string(content)
		}
	}
	for i, t := range m.Triggers {
		if t.Unit == "" || t.Type == "" {
			errs = append(errs, fmt.Errorf("triggers[%d]: unit and type are required", i))
		}
	}
	for i, t := range m.Tasks {
		if t.Unit == "" || t.Method == "" || t.Schedule == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: unit, method and schedule are required", i))
		}
	}
	return errors.Join(errs...)
}

// ApplyReport summarises an Apply.
type ApplyReport struct {
	Tenant   string
	Created  bool
	Compiled []*core.CompilationResult
	Bindings []*core.TriggerBinding
	Tasks    []*core.ScheduledTask
}

// Failed returns the compile results that did not succeed.
func (r *ApplyReport) Failed() []*core.CompilationResult {
	var out []*core.CompilationResult
	for _, res := range r.Compiled {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}

// Apply creates the tenant when missing, saves and compiles the manifest's
// units, then registers its triggers and schedules its tasks. Compile
// failures are reported; binding or scheduling failures stop the apply.
func (e *Engine) Apply(ctx context.Context, m *Manifest) (*ApplyReport, error) {
	report := &ApplyReport{Tenant: m.Tenant}

	t, err := e.tenants.GetByName(ctx, m.Tenant)
	if errors.Is(err, tenant.ErrNotFound) {
		t, err = e.tenants.Create(ctx, m.Tenant)
		report.Created = err == nil
	}
	if err != nil {
		return report, err
	}

	units := make(map[string]*core.SourceUnit, len(m.Units))
	for _, mu := range m.Units {
		unit, err := e.SaveUnit(ctx, t, mu.Name, mu.Source)
		if err != nil {
			return report, fmt.Errorf("failed to save %s: %w", mu.Name, err)
		}
		units[mu.Name] = unit
	}
	for _, mu := range m.Units {
		res, err := e.compiler.Compile(ctx, t, units[mu.Name])
		if err != nil {
			return report, err
		}
		report.Compiled = append(report.Compiled, res)
	}

	for _, mt := range m.Triggers {
		unit, err := e.Unit(ctx, t, mt.Unit)
		if err != nil {
			return report, err
		}
		active := mt.Active == nil || *mt.Active
		b, err := e.triggers.Register(ctx, t, unit, core.TypeRef{ID: mt.Type, QualifiedName: mt.TypeName}, mt.System, active)
		if err != nil {
			return report, err
		}
		report.Bindings = append(report.Bindings, b)
	}

	for _, mt := range m.Tasks {
		unit, err := e.Unit(ctx, t, mt.Unit)
		if err != nil {
			return report, err
		}
		task, err := e.scheduler.Schedule(ctx, t, unit, mt.Method, mt.Name, mt.Schedule)
		if err != nil {
			return report, err
		}
		report.Tasks = append(report.Tasks, task)
	}

	e.logger.Info("manifest applied", "tenant", m.Tenant, "units", len(m.Units),
		"triggers", len(report.Bindings), "tasks", len(report.Tasks), "failed", len(report.Failed()))
	return report, nil
}
