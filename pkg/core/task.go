package core

import "time"

// ScheduledTask binds a job-scheduler task to a unit method and a cron expression.
type ScheduledTask struct {
	ID       string
	Name     string
	UnitID   string
	Method   string
	Schedule string

	LastRunAt *time.Time
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}
