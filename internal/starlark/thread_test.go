package starlark

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestNewThread_PrintRoutesToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	thread := NewThread(ThreadOptions{Name: "com.acme.Hello", Logger: logger})
	_, err := starlark.ExecFileOptions(FileOptions(), thread, "hello.star", `print("hi there")`, Predeclared(nil))
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "hi there")
	assert.Contains(t, buf.String(), "class=com.acme.Hello")
}

func TestNewThread_LoadRejectedByDefault(t *testing.T) {
	thread := NewThread(ThreadOptions{Name: "x"})
	_, err := starlark.ExecFileOptions(FileOptions(), thread, "x.star", `load("com.acme.Util", "f")`, Predeclared(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load not available")
}

func TestNewThread_StepLimit(t *testing.T) {
	thread := NewThread(ThreadOptions{Name: "spin", MaxSteps: 1000})
	_, err := starlark.ExecFileOptions(FileOptions(), thread, "spin.star", "while True:\n    pass\n", Predeclared(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many steps")
	assert.ErrorIs(t, CheckSteps(thread, 1000, err), ErrStepBudget)
}

func TestCheckSteps_OtherErrorsUntouched(t *testing.T) {
	thread := NewThread(ThreadOptions{Name: "fails", MaxSteps: 1000})
	_, err := starlark.ExecFileOptions(FileOptions(), thread, "fails.star", `fail("Starlark computation cancelled")`, Predeclared(nil))
	require.Error(t, err)

	wrapped := CheckSteps(thread, 1000, err)
	assert.NotErrorIs(t, wrapped, ErrStepBudget)
	assert.Equal(t, err, wrapped)
	assert.NoError(t, CheckSteps(thread, 1000, nil))
}

func TestBind_CancelsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	thread := NewThread(ThreadOptions{Name: "spin", MaxSteps: 1 << 62})
	release := Bind(ctx, thread)
	defer release()

	cancel()
	_, err := starlark.ExecFileOptions(FileOptions(), thread, "spin.star", "while True:\n    pass\n", Predeclared(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestFaultLocation(t *testing.T) {
	src := `
def helper():
    fail("deep")

def execute():
    helper()

execute()
`
	thread := NewThread(ThreadOptions{Name: "loc"})
	_, err := starlark.ExecFileOptions(FileOptions(), thread, "com.acme.Loc", src, Predeclared(nil))
	require.Error(t, err)

	loc := FaultLocation(err)
	assert.Equal(t, "com.acme.Loc", loc.File)
	assert.Equal(t, 3, loc.Line)

	assert.Equal(t, Location{}, FaultLocation(errors.New("plain")))
}
