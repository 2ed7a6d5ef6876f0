package starlark

import (
	"context"
	"errors"
	"log/slog"

	"go.starlark.net/starlark"
)

// DefaultMaxSteps bounds the work a single call into tenant code may do.
const DefaultMaxSteps = 10_000_000

// LoadFunc resolves a load() statement to the module's globals.
type LoadFunc func(thread *starlark.Thread, module string) (starlark.StringDict, error)

// ThreadOptions configures a new interpreter thread.
type ThreadOptions struct {
	// Name identifies the thread in tracebacks (usually the qualified class name).
	Name string
	// Logger receives print() output. Nil discards it.
	Logger *slog.Logger
	// MaxSteps caps execution steps. Zero means DefaultMaxSteps.
	MaxSteps uint64
	// Load resolves load() statements. Nil rejects them.
	Load LoadFunc
}

// NewThread creates a thread for one instance. Threads are never reused across instances.
func NewThread(opts ThreadOptions) *starlark.Thread {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxSteps := opts.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}

	thread := &starlark.Thread{
		Name: opts.Name,
		Print: func(t *starlark.Thread, msg string) {
			logger.Info(msg, "class", t.Name, "source", "print")
		},
	}
	if opts.Load != nil {
		thread.Load = opts.Load
	} else {
		thread.Load = func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, errors.New("load not available: " + module)
		}
	}
	thread.SetMaxExecutionSteps(maxSteps)
	return thread
}

// ErrStepBudget marks a call that was cancelled because it used up its
// execution steps.
var ErrStepBudget = errors.New("execution step budget exhausted")

type stepBudgetError struct{ err error }

func (e *stepBudgetError) Error() string   { return e.err.Error() }
func (e *stepBudgetError) Unwrap() []error { return []error{e.err, ErrStepBudget} }

// CheckSteps wraps err with ErrStepBudget when thread has run out of its
// maxSteps budget. Zero maxSteps means DefaultMaxSteps. A nil err is returned as is.
func CheckSteps(thread *starlark.Thread, maxSteps uint64, err error) error {
	if err == nil {
		return nil
	}
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	if thread.ExecutionSteps() < maxSteps {
		return err
	}
	return &stepBudgetError{err: err}
}

// Bind cancels the thread when ctx is done. The returned release func must be called
// once the call into tenant code returns.
func Bind(ctx context.Context, thread *starlark.Thread) (release func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Location is a position inside tenant source.
type Location struct {
	File string
	Line int
}

// FaultLocation returns the innermost tenant-source frame of an evaluation error.
// The zero Location is returned when err carries no call stack.
func FaultLocation(err error) Location {
	var evalErr *starlark.EvalError
	if !errors.As(err, &evalErr) {
		return Location{}
	}
	for i := 0; i < len(evalErr.CallStack); i++ {
		frame := evalErr.CallStack.At(i)
		if frame.Pos.Filename() == "<builtin>" || frame.Pos.Line == 0 {
			continue
		}
		return Location{File: frame.Pos.Filename(), Line: int(frame.Pos.Line)}
	}
	return Location{}
}
