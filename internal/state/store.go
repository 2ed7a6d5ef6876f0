// Package state provides SQLite persistence for the tenant runtime.
//
// Two database kinds exist: one master database holding the environment
// catalogue and the error log, and one database per tenant holding its
// source units, trigger bindings, scheduled tasks and records.
package state

import (
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Type aliases so callers can stay on the state package for persistence concerns.
type (
	// Store is an alias for core.Store.
	Store = core.Store

	// MasterStore is an alias for core.MasterStore.
	MasterStore = core.MasterStore
)

// Kind selects which schema a database carries.
type Kind string

// Database kinds.
const (
	KindMaster Kind = "master"
	KindTenant Kind = "tenant"
)

// Ensure SQLiteStore implements both store interfaces.
var (
	_ Store       = (*SQLiteStore)(nil)
	_ MasterStore = (*SQLiteStore)(nil)
)
