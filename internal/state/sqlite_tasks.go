package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

const taskColumns = `id, name, unit_id, method, schedule, last_run_at, last_error, created_at, updated_at`

// SaveTask inserts a task or updates the existing task with the same name.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *core.ScheduledTask) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var existingID string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM scheduled_tasks WHERE name = ?`, t.Name).
		Scan(&existingID, &createdAt)

	ts := now()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if t.ID == "" {
			t.ID = generateID()
		}
		t.CreatedAt = ts
		t.UpdatedAt = ts
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO scheduled_tasks (id, name, unit_id, method, schedule, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.UnitID, t.Method, t.Schedule, toUnix(ts), toUnix(ts),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("failed to check existing task: %w", err)
	}

	t.ID = existingID
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = ts
	_, err = s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET unit_id = ?, method = ?, schedule = ?, updated_at = ? WHERE id = ?`,
		t.UnitID, t.Method, t.Schedule, toUnix(ts), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil without error when not found.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*core.ScheduledTask, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks ordered by name.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*core.ScheduledTask, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecordTaskRun stamps the last execution time and error (empty on success).
func (s *SQLiteStore) RecordTaskRun(ctx context.Context, id string, errMsg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = ?, last_error = ? WHERE id = ?`,
		toUnix(now()), nullableString(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record task run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// DeleteTask removes a task by ID.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

func scanTask(row rowScanner) (*core.ScheduledTask, error) {
	t := &core.ScheduledTask{}
	var lastRun sql.NullInt64
	var lastErr sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&t.ID, &t.Name, &t.UnitID, &t.Method, &t.Schedule, &lastRun, &lastErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.LastRunAt = fromNullUnix(lastRun)
	t.LastError = lastErr.String
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)
	return t, nil
}
