package invoke

import (
	"fmt"

	starlarkrt "github.com/leapstack-labs/tenantrt/internal/starlark"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Fault kinds.
const (
	FaultError     = "error"
	FaultPanic     = "panic"
	FaultCancelled = "cancelled"
)

// Fault is an uncaught failure raised by tenant code. It has already been
// logged through the error log when it is returned.
type Fault struct {
	TenantID      string
	QualifiedName string
	Method        string
	Kind          string
	Location      starlarkrt.Location
	Err           error
}

func (f *Fault) Error() string {
	where := f.QualifiedName
	if f.Method != "" {
		where += "." + f.Method
	}
	if f.Location.Line > 0 {
		return fmt.Sprintf("tenant code fault in %s (line %d): %v", where, f.Location.Line, f.Err)
	}
	return fmt.Sprintf("tenant code fault in %s: %v", where, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// TriggerFault is a Fault raised while firing a trigger. Phase tells the
// mutation pipeline which rollback policy applies.
type TriggerFault struct {
	Phase     core.Phase
	Operation core.Operation
	TypeID    string
	BindingID string
	Fault     *Fault
}

func (f *TriggerFault) Error() string {
	return fmt.Sprintf("%s %s trigger on %s failed: %v", f.Phase, f.Operation, f.TypeID, f.Fault)
}

func (f *TriggerFault) Unwrap() error { return f.Fault }
