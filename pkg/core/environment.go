package core

import "time"

// Environment is one tenant: an isolated deployment with its own data and code namespace.
type Environment struct {
	ID   string
	Name string
	// DBPath is the tenant's database file.
	DBPath string
	// ClonedFrom is set for ephemeral mirrors.
	ClonedFrom string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tenant is a connected environment as the runtime components see it.
type Tenant interface {
	// ID is the environment ID; namespaces and error logs are keyed by it.
	ID() string
	Name() string
	Store() Store
}
