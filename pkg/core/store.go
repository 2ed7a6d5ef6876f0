package core

import "context"

// Store persists one tenant's source units, trigger bindings, scheduled tasks and records.
type Store interface {
	Close() error

	// Source unit operations
	SaveUnit(ctx context.Context, unit *SourceUnit) error
	GetUnit(ctx context.Context, id string) (*SourceUnit, error)
	GetUnitByName(ctx context.Context, qualifiedName string) (*SourceUnit, error)
	ListUnits(ctx context.Context) ([]*SourceUnit, error)
	UpdateCompileState(ctx context.Context, id string, state CompileState, artifact []byte, artifactHash string) error
	DeleteUnit(ctx context.Context, id string) error

	// Trigger binding operations
	SaveBinding(ctx context.Context, b *TriggerBinding) error
	FindBinding(ctx context.Context, unitID, typeID string) (*TriggerBinding, error)
	ListBindings(ctx context.Context) ([]*TriggerBinding, error)
	ListBindingsForUnit(ctx context.Context, unitID string) ([]*TriggerBinding, error)
	DeleteBinding(ctx context.Context, id string) error

	// Scheduled task operations
	SaveTask(ctx context.Context, t *ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListTasks(ctx context.Context) ([]*ScheduledTask, error)
	RecordTaskRun(ctx context.Context, id string, errMsg string) error
	DeleteTask(ctx context.Context, id string) error
}

// MasterStore persists the platform-wide environment catalogue and error log.
type MasterStore interface {
	Close() error

	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	GetEnvironmentByName(ctx context.Context, name string) (*Environment, error)
	ListEnvironments(ctx context.Context) ([]*Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error

	SaveErrorLog(ctx context.Context, entry *ErrorLog) error
	ListErrorLogs(ctx context.Context, tenantID string, limit int) ([]*ErrorLog, error)
}
