package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseFlags_Has(t *testing.T) {
	f := PhaseFlags{BeforeInsert: true, AfterDelete: true}

	assert.True(t, f.Has(PhaseBefore, OpInsert))
	assert.True(t, f.Has(PhaseAfter, OpDelete))
	assert.False(t, f.Has(PhaseAfter, OpInsert))
	assert.False(t, f.Has(PhaseBefore, OpDelete))
	assert.False(t, f.Has(Phase("during"), OpInsert))
}

func TestPhaseFlags_String(t *testing.T) {
	tests := []struct {
		flags PhaseFlags
		want  string
	}{
		{PhaseFlags{}, "none"},
		{PhaseFlags{BeforeInsert: true}, "before_insert"},
		{PhaseFlags{AfterUpdate: true, BeforeInsert: true, AfterInsert: true}, "before_insert,after_insert,after_update"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.flags.String())
	}
}

func TestPhaseFlags_TouchesExistingRecords(t *testing.T) {
	assert.False(t, PhaseFlags{BeforeInsert: true, AfterInsert: true}.TouchesExistingRecords())
	assert.True(t, PhaseFlags{AfterUpdate: true}.TouchesExistingRecords())
	assert.True(t, PhaseFlags{BeforeDelete: true}.TouchesExistingRecords())
	assert.True(t, PhaseFlags{}.None())
	assert.False(t, PhaseFlags{AfterDelete: true}.None())
}

func TestTypeRef_Matches(t *testing.T) {
	ref := TypeRef{ID: "t_01", QualifiedName: "billing.Invoice"}

	assert.True(t, ref.Matches("t_01"))
	assert.True(t, ref.Matches("billing.Invoice"))
	assert.False(t, ref.Matches("billing.Order"))
	assert.False(t, ref.Matches(""))
	assert.False(t, TypeRef{ID: "t_01"}.Matches(""), "empty qualified name never matches an empty marker")
}

func TestSplitQualifiedName(t *testing.T) {
	pkg, name := SplitQualifiedName("com.acme.InvoiceTrigger")
	assert.Equal(t, "com.acme", pkg)
	assert.Equal(t, "InvoiceTrigger", name)

	pkg, name = SplitQualifiedName("Standalone")
	assert.Empty(t, pkg)
	assert.Equal(t, "Standalone", name)

	u := &SourceUnit{Package: "com.acme", Name: "InvoiceTrigger"}
	assert.Equal(t, "com.acme.InvoiceTrigger", u.QualifiedName())
	assert.Equal(t, "Standalone", (&SourceUnit{Name: "Standalone"}).QualifiedName())
}

func TestSourceHash(t *testing.T) {
	a := &SourceUnit{Source: "def f():\n    pass\n"}
	b := &SourceUnit{Source: "def f():\n    pass\n"}
	c := &SourceUnit{Source: "def g():\n    pass\n"}

	assert.Equal(t, a.SourceHash(), b.SourceHash())
	assert.NotEqual(t, a.SourceHash(), c.SourceHash())
	assert.Len(t, a.SourceHash(), 64)
}

func TestDiagnostic_String(t *testing.T) {
	assert.Equal(t, "a.B:3:7: unexpected newline", Diagnostic{File: "a.B", Line: 3, Column: 7, Message: "unexpected newline"}.String())
	assert.Equal(t, "a.B: no such class", Diagnostic{File: "a.B", Message: "no such class"}.String())

	r := &CompilationResult{Diagnostics: []Diagnostic{{File: "x", Message: "one"}, {File: "x", Message: "two"}}}
	assert.Equal(t, "x: one\nx: two", r.Description())
}

func TestParseErrorSeverity(t *testing.T) {
	assert.Equal(t, ErrorSeverityFatal, ParseErrorSeverity("fatal"))
	assert.Equal(t, ErrorSeverityWarning, ParseErrorSeverity("warn"))
	assert.Equal(t, ErrorSeverityInfo, ParseErrorSeverity("INFO"))
	assert.Equal(t, ErrorSeverityError, ParseErrorSeverity("bogus"))
}

func TestRecord_Clone(t *testing.T) {
	r := &Record{ID: "r1", TypeID: "invoice", Fields: map[string]any{"amount": 10}}
	c := r.Clone()
	c.Fields["amount"] = 20

	assert.Equal(t, 10, r.Fields["amount"])
	assert.Equal(t, "r1", c.ID)
	assert.Equal(t, "invoice", c.TypeID)
}
