package compiler

import (
	"errors"
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// ErrClassNotFound is returned when neither a compiled artifact nor source exists for a name.
var ErrClassNotFound = errors.New("class not found")

// CompilationError is returned on call paths that must fail when a unit does not compile.
type CompilationError struct {
	QualifiedName string
	Diagnostics   []core.Diagnostic
}

func (e *CompilationError) Error() string {
	switch len(e.Diagnostics) {
	case 0:
		return fmt.Sprintf("compilation of %s failed", e.QualifiedName)
	case 1:
		return fmt.Sprintf("compilation of %s failed: %s", e.QualifiedName, e.Diagnostics[0])
	default:
		return fmt.Sprintf("compilation of %s failed: %s (and %d more)", e.QualifiedName, e.Diagnostics[0], len(e.Diagnostics)-1)
	}
}

// AsCompilationError converts a failed result into an error.
func AsCompilationError(res *core.CompilationResult) *CompilationError {
	return &CompilationError{QualifiedName: res.QualifiedName, Diagnostics: res.Diagnostics}
}

func notFound(qualifiedName string) error {
	return fmt.Errorf("%w: %s", ErrClassNotFound, qualifiedName)
}
