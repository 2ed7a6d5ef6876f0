package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

const bindingColumns = `id, unit_id, type_id, type_name, before_insert, before_update, before_delete, after_insert, after_update,
	after_delete, is_active, is_system, old_values, ordinal, created_at, updated_at`

// SaveBinding inserts a binding or updates the existing one for the same (unit, type) pair.
// New bindings get the next ordinal so firing order follows creation order.
func (s *SQLiteStore) SaveBinding(ctx context.Context, b *core.TriggerBinding) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	var ordinal, createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, ordinal, created_at FROM trigger_bindings WHERE unit_id = ? AND type_id = ?`,
		b.UnitID, b.TypeID,
	).Scan(&existingID, &ordinal, &createdAt)

	ts := now()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), 0) + 1 FROM trigger_bindings`).Scan(&ordinal); err != nil {
			return fmt.Errorf("failed to allocate binding ordinal: %w", err)
		}
		if b.ID == "" {
			b.ID = generateID()
		}
		b.Ordinal = ordinal
		b.CreatedAt = ts
		b.UpdatedAt = ts

		_, err = tx.ExecContext(ctx,
			`INSERT INTO trigger_bindings (`+bindingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.UnitID, b.TypeID, b.TypeName,
			boolToInt(b.Phases.BeforeInsert), boolToInt(b.Phases.BeforeUpdate), boolToInt(b.Phases.BeforeDelete),
			boolToInt(b.Phases.AfterInsert), boolToInt(b.Phases.AfterUpdate), boolToInt(b.Phases.AfterDelete),
			boolToInt(b.IsActive), boolToInt(b.IsSystem), boolToInt(b.OldValues), b.Ordinal, toUnix(ts), toUnix(ts),
		)
		if err != nil {
			return fmt.Errorf("failed to insert binding: %w", err)
		}

	case err != nil:
		return fmt.Errorf("failed to check existing binding: %w", err)

	default:
		b.ID = existingID
		b.Ordinal = ordinal
		b.CreatedAt = fromUnix(createdAt)
		b.UpdatedAt = ts

		_, err = tx.ExecContext(ctx,
			`UPDATE trigger_bindings SET type_name = ?, before_insert = ?, before_update = ?, before_delete = ?, after_insert = ?,
			 after_update = ?, after_delete = ?, is_active = ?, is_system = ?, old_values = ?, updated_at = ? WHERE id = ?`,
			b.TypeName, boolToInt(b.Phases.BeforeInsert), boolToInt(b.Phases.BeforeUpdate), boolToInt(b.Phases.BeforeDelete),
			boolToInt(b.Phases.AfterInsert), boolToInt(b.Phases.AfterUpdate), boolToInt(b.Phases.AfterDelete),
			boolToInt(b.IsActive), boolToInt(b.IsSystem), boolToInt(b.OldValues), toUnix(ts), b.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update binding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindBinding returns the binding for a (unit, type) pair, or nil when none exists.
func (s *SQLiteStore) FindBinding(ctx context.Context, unitID, typeID string) (*core.TriggerBinding, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM trigger_bindings WHERE unit_id = ? AND type_id = ?`, unitID, typeID)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return b, nil
}

// ListBindings returns all bindings in firing order.
func (s *SQLiteStore) ListBindings(ctx context.Context) ([]*core.TriggerBinding, error) {
	return s.queryBindings(ctx, `SELECT `+bindingColumns+` FROM trigger_bindings ORDER BY ordinal`)
}

// ListBindingsForUnit returns the bindings of one unit in firing order.
func (s *SQLiteStore) ListBindingsForUnit(ctx context.Context, unitID string) ([]*core.TriggerBinding, error) {
	return s.queryBindings(ctx, `SELECT `+bindingColumns+` FROM trigger_bindings WHERE unit_id = ? ORDER BY ordinal`, unitID)
}

// DeleteBinding removes a binding by ID.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM trigger_bindings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("binding not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) queryBindings(ctx context.Context, query string, args ...any) ([]*core.TriggerBinding, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*core.TriggerBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

func scanBinding(row rowScanner) (*core.TriggerBinding, error) {
	b := &core.TriggerBinding{}
	var createdAt, updatedAt int64
	err := row.Scan(&b.ID, &b.UnitID, &b.TypeID, &b.TypeName,
		&b.Phases.BeforeInsert, &b.Phases.BeforeUpdate, &b.Phases.BeforeDelete,
		&b.Phases.AfterInsert, &b.Phases.AfterUpdate, &b.Phases.AfterDelete,
		&b.IsActive, &b.IsSystem, &b.OldValues, &b.Ordinal, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromUnix(createdAt)
	b.UpdatedAt = fromUnix(updatedAt)
	return b, nil
}
