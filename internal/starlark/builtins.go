package starlark

import (
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// FileOptions returns the dialect accepted in tenant source.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// Declaration markers. They are read from the syntax tree at compile time
// and evaluate to None at run time.
const (
	MarkerExtends   = "extends"
	MarkerTrigger   = "trigger"
	MarkerOldValues = "old_values"
	MarkerDisabled  = "disabled"
	MarkerTest      = "test"
)

// PhaseMarker maps a phase marker call to the phase it enables.
type PhaseMarker struct {
	Phase core.Phase
	Op    core.Operation
}

// PhaseMarkers lists the six before/after × insert/update/delete markers.
var PhaseMarkers = map[string]PhaseMarker{
	"before_insert": {core.PhaseBefore, core.OpInsert},
	"before_update": {core.PhaseBefore, core.OpUpdate},
	"before_delete": {core.PhaseBefore, core.OpDelete},
	"after_insert":  {core.PhaseAfter, core.OpInsert},
	"after_update":  {core.PhaseAfter, core.OpUpdate},
	"after_delete":  {core.PhaseAfter, core.OpDelete},
}

// SelfName is the predeclared name of the per-instance state.
const SelfName = "self"

var builtins = buildBuiltins()

func buildBuiltins() starlark.StringDict {
	d := starlark.StringDict{
		"assert_true":  starlark.NewBuiltin("assert_true", assertTrue),
		"assert_equal": starlark.NewBuiltin("assert_equal", assertEqual),
		"struct":       starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":         json.Module,
		"math":         math.Module,
		"time":         startime.Module,
	}
	markers := []string{MarkerExtends, MarkerTrigger, MarkerOldValues, MarkerDisabled, MarkerTest}
	for name := range PhaseMarkers {
		markers = append(markers, name)
	}
	for _, name := range markers {
		d[name] = starlark.NewBuiltin(name, marker)
	}
	d.Freeze()
	return d
}

// Predeclared returns the globals every instance starts from, plus self.
// The returned dict is fresh; callers may add entries.
func Predeclared(self starlark.Value) starlark.StringDict {
	d := make(starlark.StringDict, len(builtins)+1)
	for k, v := range builtins {
		d[k] = v
	}
	if self == nil {
		self = starlark.None
	}
	d[SelfName] = self
	return d
}

// IsPredeclared reports whether name resolves to a platform-provided global.
func IsPredeclared(name string) bool {
	if name == SelfName {
		return true
	}
	_, ok := builtins[name]
	return ok
}

func marker(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}

func assertTrue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if !cond.Truth() {
		if msg == "" {
			msg = fmt.Sprintf("expected truthy value, got %s", cond.String())
		}
		return nil, fmt.Errorf("assertion failed: %s", msg)
	}
	return starlark.None, nil
}

func assertEqual(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var want, got starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "want", &want, "got", &got, "msg?", &msg); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(want, got)
	if err != nil {
		return nil, err
	}
	if !eq {
		if msg != "" {
			return nil, fmt.Errorf("assertion failed: %s: want %s, got %s", msg, want.String(), got.String())
		}
		return nil, fmt.Errorf("assertion failed: want %s, got %s", want.String(), got.String())
	}
	return starlark.None, nil
}
