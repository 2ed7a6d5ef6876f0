package compiler

import (
	"fmt"
	"sort"
	"strings"

	starlarkrt "github.com/leapstack-labs/tenantrt/internal/starlark"
	"github.com/leapstack-labs/tenantrt/pkg/core"
	"go.starlark.net/syntax"
)

// TriggerBase is the only supertype a trigger class may declare.
const TriggerBase = "DatabaseTrigger"

// EntryMethod is the method called when a trigger fires.
const EntryMethod = "execute"

// Method describes one public top-level def.
type Method struct {
	Name   string   `json:"name"`
	Params []string `json:"params,omitempty"`
	// Required counts parameters without a default value.
	Required int `json:"required"`
	Line     int `json:"line"`
}

// ZeroArg reports whether the method can be called with no arguments.
func (m Method) ZeroArg() bool {
	return m.Required == 0
}

// Descriptor is the statically extracted shape of a compiled class.
type Descriptor struct {
	Supertype string `json:"supertype,omitempty"`
	// HasTrigger is set when a trigger() marker is present, even without a type.
	HasTrigger  bool            `json:"has_trigger,omitempty"`
	TriggerType string          `json:"trigger_type,omitempty"`
	Phases      core.PhaseFlags `json:"phases"`
	OldValues   bool            `json:"old_values,omitempty"`
	Disabled    bool            `json:"disabled,omitempty"`
	Test        bool            `json:"test,omitempty"`
	// Methods is keyed by method name.
	Methods map[string]Method `json:"methods"`
	// Loads lists the modules named in load() statements.
	Loads []string `json:"loads,omitempty"`
}

// Method returns the named public method.
func (d *Descriptor) Method(name string) (Method, bool) {
	m, ok := d.Methods[name]
	return m, ok
}

// MethodNames returns the public method names in sorted order.
func (d *Descriptor) MethodNames() []string {
	names := make([]string, 0, len(d.Methods))
	for name := range d.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ZeroArgMethods returns the sorted names of methods callable without arguments.
func (d *Descriptor) ZeroArgMethods() []string {
	var names []string
	for _, name := range d.MethodNames() {
		if d.Methods[name].ZeroArg() {
			names = append(names, name)
		}
	}
	return names
}

// TargetsType reports whether the trigger marker names the given type.
func (d *Descriptor) TargetsType(t core.TypeRef) bool {
	return d.HasTrigger && t.Matches(d.TriggerType)
}

// extractDescriptor walks the top-level statements of a parsed file.
// It does NOT execute anything.
func extractDescriptor(file string, f *syntax.File) (*Descriptor, []core.Diagnostic) {
	d := &Descriptor{Methods: map[string]Method{}}
	var diags []core.Diagnostic

	report := func(pos syntax.Position, format string, args ...any) {
		diags = append(diags, core.Diagnostic{
			File:    file,
			Line:    int(pos.Line),
			Column:  int(pos.Col),
			Message: fmt.Sprintf(format, args...),
		})
	}

	for _, stmt := range f.Stmts {
		switch s := stmt.(type) {
		case *syntax.DefStmt:
			if strings.HasPrefix(s.Name.Name, "_") {
				continue
			}
			d.Methods[s.Name.Name] = methodOf(s)

		case *syntax.LoadStmt:
			d.Loads = append(d.Loads, s.ModuleName())

		case *syntax.ExprStmt:
			call, ok := s.X.(*syntax.CallExpr)
			if !ok {
				continue
			}
			fn, ok := call.Fn.(*syntax.Ident)
			if !ok {
				continue
			}
			pos, _ := call.Span()

			if pm, ok := starlarkrt.PhaseMarkers[fn.Name]; ok {
				setPhase(&d.Phases, pm)
				continue
			}

			switch fn.Name {
			case starlarkrt.MarkerExtends:
				name, ok := stringArg(call, "base")
				if !ok {
					report(pos, "extends() requires a string literal supertype")
					continue
				}
				if d.Supertype != "" && d.Supertype != name {
					report(pos, "conflicting supertypes %q and %q", d.Supertype, name)
					continue
				}
				d.Supertype = name

			case starlarkrt.MarkerTrigger:
				d.HasTrigger = true
				name, ok := stringArg(call, "type")
				if !ok {
					// A marker without a type is kept; registration rejects it.
					continue
				}
				if d.TriggerType != "" && d.TriggerType != name {
					report(pos, "conflicting trigger types %q and %q", d.TriggerType, name)
					continue
				}
				d.TriggerType = name

			case starlarkrt.MarkerOldValues:
				d.OldValues = true
			case starlarkrt.MarkerDisabled:
				d.Disabled = true
			case starlarkrt.MarkerTest:
				d.Test = true
			}
		}
	}

	return d, diags
}

func methodOf(def *syntax.DefStmt) Method {
	m := Method{Name: def.Name.Name, Line: int(def.Name.NamePos.Line)}
	for _, param := range def.Params {
		switch p := param.(type) {
		case *syntax.Ident:
			// Simple parameter: def foo(x)
			m.Params = append(m.Params, p.Name)
			m.Required++
		case *syntax.BinaryExpr:
			// Parameter with default: def foo(x=1)
			if ident, ok := p.X.(*syntax.Ident); ok {
				m.Params = append(m.Params, ident.Name)
			}
		case *syntax.UnaryExpr:
			// *args or **kwargs; a bare * carries no identifier
			if ident, ok := p.X.(*syntax.Ident); ok {
				prefix := "*"
				if p.Op == syntax.STARSTAR {
					prefix = "**"
				}
				m.Params = append(m.Params, prefix+ident.Name)
			}
		}
	}
	return m
}

// stringArg returns the first positional argument, or the keyword argument with the
// given name, when it is a string literal.
func stringArg(call *syntax.CallExpr, keyword string) (string, bool) {
	for _, arg := range call.Args {
		if bin, ok := arg.(*syntax.BinaryExpr); ok && bin.Op == syntax.EQ {
			if ident, ok := bin.X.(*syntax.Ident); ok && ident.Name == keyword {
				return stringLiteral(bin.Y)
			}
			continue
		}
		return stringLiteral(arg)
	}
	return "", false
}

func stringLiteral(e syntax.Expr) (string, bool) {
	lit, ok := e.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

func setPhase(f *core.PhaseFlags, pm starlarkrt.PhaseMarker) {
	switch {
	case pm.Phase == core.PhaseBefore && pm.Op == core.OpInsert:
		f.BeforeInsert = true
	case pm.Phase == core.PhaseBefore && pm.Op == core.OpUpdate:
		f.BeforeUpdate = true
	case pm.Phase == core.PhaseBefore && pm.Op == core.OpDelete:
		f.BeforeDelete = true
	case pm.Phase == core.PhaseAfter && pm.Op == core.OpInsert:
		f.AfterInsert = true
	case pm.Phase == core.PhaseAfter && pm.Op == core.OpUpdate:
		f.AfterUpdate = true
	case pm.Phase == core.PhaseAfter && pm.Op == core.OpDelete:
		f.AfterDelete = true
	}
}
