package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CompileState is the compiled-artifact state of a source unit.
type CompileState string

// Compile states.
const (
	CompileStateUncompiled CompileState = "UNCOMPILED"
	CompileStateCompiled   CompileState = "COMPILED"
	CompileStateError      CompileState = "ERROR"
)

// SourceUnit is one named piece of tenant-defined logic.
type SourceUnit struct {
	ID string
	// Package and Name form the qualified name ("com.acme.InvoiceTrigger").
	Package string
	Name    string
	// TenantID is the owning environment.
	TenantID string
	Source   string

	State          CompileState
	Artifact       []byte
	ArtifactHash   string
	LastCompiledAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QualifiedName returns package + "." + name, or just the name when no package is set.
func (u *SourceUnit) QualifiedName() string {
	if u.Package == "" {
		return u.Name
	}
	return u.Package + "." + u.Name
}

// SourceHash returns the hex sha256 of the unit's source text.
func (u *SourceUnit) SourceHash() string {
	return HashSource(u.Source)
}

// HashSource returns the hex sha256 of a source text.
func HashSource(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// SplitQualifiedName splits "a.b.C" into ("a.b", "C").
func SplitQualifiedName(qualifiedName string) (pkg, name string) {
	idx := strings.LastIndex(qualifiedName, ".")
	if idx < 0 {
		return "", qualifiedName
	}
	return qualifiedName[:idx], qualifiedName[idx+1:]
}

// Diagnostic is one compiler message tied to a source position.
type Diagnostic struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Column, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.File, d.Message)
}

// CompilationResult is the outcome of compiling one source unit.
type CompilationResult struct {
	Success     bool
	Diagnostics []Diagnostic
	// UnitID references the compiled unit.
	UnitID        string
	QualifiedName string
	// ArtifactHash identifies the compiled artifact; equal hashes mean equivalent artifacts.
	ArtifactHash string
}

// Description joins all diagnostics into a single human-readable message.
func (r *CompilationResult) Description() string {
	lines := make([]string, 0, len(r.Diagnostics))
	for _, d := range r.Diagnostics {
		lines = append(lines, d.String())
	}
	return strings.Join(lines, "\n")
}
