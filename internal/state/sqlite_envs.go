package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

const envColumns = `id, name, db_path, cloned_from, created_at, updated_at`

// CreateEnvironment registers a new environment in the master catalogue.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *core.Environment) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if env.ID == "" {
		env.ID = generateID()
	}
	ts := now()
	env.CreatedAt = ts
	env.UpdatedAt = ts

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (`+envColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		env.ID, env.Name, env.DBPath, nullableString(env.ClonedFrom), toUnix(ts), toUnix(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}
	return nil
}

// GetEnvironment retrieves an environment by ID. Returns nil without error when not found.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*core.Environment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanEnvRow(s.db.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE id = ?`, id))
}

// GetEnvironmentByName retrieves an environment by name. Returns nil without error when not found.
func (s *SQLiteStore) GetEnvironmentByName(ctx context.Context, name string) (*core.Environment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanEnvRow(s.db.QueryRowContext(ctx, `SELECT `+envColumns+` FROM environments WHERE name = ?`, name))
}

// ListEnvironments returns all environments ordered by name.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]*core.Environment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+envColumns+` FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []*core.Environment
	for rows.Next() {
		env, err := scanEnv(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// DeleteEnvironment removes an environment from the catalogue.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("environment not found: %s", id)
	}
	return nil
}

func scanEnvRow(row *sql.Row) (*core.Environment, error) {
	env, err := scanEnv(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return env, nil
}

func scanEnv(row rowScanner) (*core.Environment, error) {
	env := &core.Environment{}
	var clonedFrom sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&env.ID, &env.Name, &env.DBPath, &clonedFrom, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	env.ClonedFrom = clonedFrom.String
	env.CreatedAt = fromUnix(createdAt)
	env.UpdatedAt = fromUnix(updatedAt)
	return env, nil
}
