// Package core defines the shared language of the tenant runtime.
//
// This package contains:
//   - Domain entities (SourceUnit, TriggerBinding, ScheduledTask, Environment, Record)
//   - Compilation results and diagnostics
//   - Service interfaces (Store, MasterStore)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
