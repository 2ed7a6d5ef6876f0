package starlark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

func TestSelf_Bind(t *testing.T) {
	type authCtx struct{ user string }
	auth := &authCtx{user: "u1"}

	self := &Self{
		Operation: core.OpUpdate,
		Phase:     core.PhaseBefore,
		NewValues: []*core.Record{{ID: "r1", TypeID: "Invoice", Fields: map[string]any{"amount": 10.0}}},
		OldValues: []*core.Record{{ID: "r1", TypeID: "Invoice", Fields: map[string]any{"amount": 5.0}}},
		Context:   map[string]any{"auth": auth},
	}
	bound, err := self.Bind()
	require.NoError(t, err)

	src := `
assert_true(self.is_update)
assert_true(self.is_before)
assert_true(not self.is_insert)
assert_equal("update", self.operation)
assert_equal("r1", self.new_values[0]["id"])
assert_equal(5.0, self.old_values[0]["amount"])
self.new_values[0]["amount"] = self.new_values[0]["amount"] * 2
self.new_values[0]["note"] = "doubled"
captured = self.context["auth"]
`
	thread := NewThread(ThreadOptions{Name: "bind"})
	globals, err := starlark.ExecFileOptions(FileOptions(), thread, "bind.star", src, Predeclared(bound.Value))
	require.NoError(t, err)

	records, err := bound.NewValues()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "Invoice", records[0].TypeID)
	assert.Equal(t, map[string]any{"amount": 20.0, "note": "doubled"}, records[0].Fields)

	captured, err := ToGo(globals["captured"])
	require.NoError(t, err)
	assert.Same(t, auth, captured, "context providers pass through unmodified")

	assert.Equal(t, 10.0, self.NewValues[0].Fields["amount"], "source records are not mutated")
}

func TestSelf_OldValuesAreReadOnly(t *testing.T) {
	self := &Self{
		Operation: core.OpDelete,
		Phase:     core.PhaseBefore,
		OldValues: []*core.Record{{ID: "r1", Fields: map[string]any{"a": 1}}},
	}
	bound, err := self.Bind()
	require.NoError(t, err)

	thread := NewThread(ThreadOptions{Name: "ro"})
	_, err = starlark.ExecFileOptions(FileOptions(), thread, "ro.star", `self.old_values[0]["a"] = 2`, Predeclared(bound.Value))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
}

func TestSelf_EmptyForCalls(t *testing.T) {
	bound, err := (&Self{}).Bind()
	require.NoError(t, err)

	src := `
assert_equal(None, self.old_values)
assert_equal(0, len(self.new_values))
assert_true(not (self.is_insert or self.is_update or self.is_delete))
`
	thread := NewThread(ThreadOptions{Name: "empty"})
	_, err = starlark.ExecFileOptions(FileOptions(), thread, "empty.star", src, Predeclared(bound.Value))
	require.NoError(t, err)
}

func TestBoundSelf_BatchSizeChange(t *testing.T) {
	bound, err := (&Self{NewValues: []*core.Record{{ID: "a", Fields: map[string]any{}}}}).Bind()
	require.NoError(t, err)

	thread := NewThread(ThreadOptions{Name: "grow"})
	_, err = starlark.ExecFileOptions(FileOptions(), thread, "grow.star", `self.new_values.append({})`, Predeclared(bound.Value))
	require.NoError(t, err)

	_, err = bound.NewValues()
	assert.ErrorContains(t, err, "batch size changed")
}
