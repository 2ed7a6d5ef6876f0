package trigger

import (
	"errors"
	"fmt"
)

// Registration error kinds. Match with errors.Is.
var (
	ErrInvalidClassForTrigger = errors.New("invalid class for trigger")
	ErrTriggerDisabled        = errors.New("trigger class is disabled")
	ErrNoBindingToUnregister  = errors.New("no trigger binding to unregister")
)

// RegistrationError is a binding contract violation.
type RegistrationError struct {
	// Kind is one of the Err* sentinels above.
	Kind          error
	QualifiedName string
	TypeID        string
	Reason        string
}

func (e *RegistrationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s for type %s", e.Kind, e.QualifiedName, e.TypeID)
	}
	return fmt.Sprintf("%v: %s for type %s: %s", e.Kind, e.QualifiedName, e.TypeID, e.Reason)
}

func (e *RegistrationError) Unwrap() error { return e.Kind }

func invalidClass(qualifiedName, typeID, format string, args ...any) error {
	return &RegistrationError{
		Kind:          ErrInvalidClassForTrigger,
		QualifiedName: qualifiedName,
		TypeID:        typeID,
		Reason:        fmt.Sprintf(format, args...),
	}
}
