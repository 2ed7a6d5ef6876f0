package core

import (
	"strings"
	"time"
)

// Phase is the before/after position of a trigger firing relative to the write.
type Phase string

// Trigger phases.
const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Operation is the kind of record mutation.
type Operation string

// Mutation operations.
const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// PhaseFlags describe when a trigger fires: before/after × insert/update/delete.
type PhaseFlags struct {
	BeforeInsert bool
	BeforeUpdate bool
	BeforeDelete bool
	AfterInsert  bool
	AfterUpdate  bool
	AfterDelete  bool
}

// Has reports whether the flags include the given phase and operation.
func (f PhaseFlags) Has(phase Phase, op Operation) bool {
	switch phase {
	case PhaseBefore:
		switch op {
		case OpInsert:
			return f.BeforeInsert
		case OpUpdate:
			return f.BeforeUpdate
		case OpDelete:
			return f.BeforeDelete
		}
	case PhaseAfter:
		switch op {
		case OpInsert:
			return f.AfterInsert
		case OpUpdate:
			return f.AfterUpdate
		case OpDelete:
			return f.AfterDelete
		}
	}
	return false
}

// TouchesExistingRecords reports whether any update or delete phase is set.
func (f PhaseFlags) TouchesExistingRecords() bool {
	return f.BeforeUpdate || f.AfterUpdate || f.BeforeDelete || f.AfterDelete
}

// String lists the set phases, e.g. "before_insert,after_insert".
func (f PhaseFlags) String() string {
	var parts []string
	for _, p := range []Phase{PhaseBefore, PhaseAfter} {
		for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
			if f.Has(p, op) {
				parts = append(parts, string(p)+"_"+string(op))
			}
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// None reports whether no phase flag is set.
func (f PhaseFlags) None() bool {
	return f == PhaseFlags{}
}

// TypeRef identifies a record type that triggers can bind to.
type TypeRef struct {
	ID            string
	QualifiedName string
}

// Matches reports whether a marker value names this type, by ID or qualified name.
func (t TypeRef) Matches(marker string) bool {
	if marker == "" {
		return false
	}
	return marker == t.ID || (t.QualifiedName != "" && marker == t.QualifiedName)
}

// TriggerBinding links a compiled source unit to a target type and its firing phases.
type TriggerBinding struct {
	ID     string
	UnitID string
	TypeID string
	// TypeName is the qualified name of the target type, when known.
	TypeName string
	Phases   PhaseFlags
	IsActive bool
	IsSystem bool
	// OldValues requests old values for insert/update phases as well as delete.
	OldValues bool
	// Ordinal fixes the firing order among bindings on the same type.
	Ordinal int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target returns the type the binding was registered for.
func (b *TriggerBinding) Target() TypeRef {
	name := b.TypeName
	if name == "" {
		name = b.TypeID
	}
	return TypeRef{ID: b.TypeID, QualifiedName: name}
}
