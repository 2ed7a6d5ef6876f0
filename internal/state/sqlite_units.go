package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

const unitColumns = `id, package, name, source, state, artifact, artifact_hash, last_compiled_at, created_at, updated_at`

// SaveUnit inserts a unit or updates the existing unit with the same qualified name.
// Changing the source text resets the compile state and drops the artifact.
func (s *SQLiteStore) SaveUnit(ctx context.Context, unit *core.SourceUnit) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if unit.Name == "" {
		return fmt.Errorf("source unit name is required")
	}

	existing, err := s.GetUnitByName(ctx, unit.QualifiedName())
	if err != nil {
		return fmt.Errorf("failed to check existing unit: %w", err)
	}
	if existing == nil && unit.ID != "" {
		if existing, err = s.GetUnit(ctx, unit.ID); err != nil {
			return fmt.Errorf("failed to check existing unit: %w", err)
		}
	}

	ts := now()
	if existing != nil {
		// Update existing unit, preserve the ID
		unit.ID = existing.ID
		unit.CreatedAt = existing.CreatedAt
		unit.UpdatedAt = ts
		if existing.Source != unit.Source {
			unit.State = core.CompileStateUncompiled
			unit.Artifact = nil
			unit.ArtifactHash = ""
			unit.LastCompiledAt = nil
		} else {
			unit.State = existing.State
			unit.Artifact = existing.Artifact
			unit.ArtifactHash = existing.ArtifactHash
			unit.LastCompiledAt = existing.LastCompiledAt
		}

		_, err := s.db.ExecContext(ctx,
			`UPDATE source_units SET package = ?, name = ?, qualified_name = ?, source = ?, state = ?, artifact = ?,
			 artifact_hash = ?, last_compiled_at = ?, updated_at = ? WHERE id = ?`,
			unit.Package, unit.Name, unit.QualifiedName(), unit.Source, unit.State, unit.Artifact,
			nullableString(unit.ArtifactHash), nullableTime(unit.LastCompiledAt), toUnix(ts), unit.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update unit: %w", err)
		}
		return nil
	}

	if unit.ID == "" {
		unit.ID = generateID()
	}
	unit.State = core.CompileStateUncompiled
	unit.Artifact = nil
	unit.ArtifactHash = ""
	unit.LastCompiledAt = nil
	unit.CreatedAt = ts
	unit.UpdatedAt = ts

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_units (id, package, name, qualified_name, source, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		unit.ID, unit.Package, unit.Name, unit.QualifiedName(), unit.Source, unit.State, toUnix(ts), toUnix(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert unit: %w", err)
	}
	return nil
}

// GetUnit retrieves a unit by ID. Returns nil without error when not found.
func (s *SQLiteStore) GetUnit(ctx context.Context, id string) (*core.SourceUnit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM source_units WHERE id = ?`, id)
	return scanUnitRow(row)
}

// GetUnitByName retrieves a unit by qualified name. Returns nil without error when not found.
func (s *SQLiteStore) GetUnitByName(ctx context.Context, qualifiedName string) (*core.SourceUnit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM source_units WHERE qualified_name = ?`, qualifiedName)
	return scanUnitRow(row)
}

// ListUnits returns all units ordered by qualified name.
func (s *SQLiteStore) ListUnits(ctx context.Context) ([]*core.SourceUnit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM source_units ORDER BY qualified_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var units []*core.SourceUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// UpdateCompileState records the outcome of a compilation.
func (s *SQLiteStore) UpdateCompileState(ctx context.Context, id string, state core.CompileState, artifact []byte, artifactHash string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	ts := now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE source_units SET state = ?, artifact = ?, artifact_hash = ?, last_compiled_at = ? WHERE id = ?`,
		state, artifact, nullableString(artifactHash), toUnix(ts), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update compile state: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("unit not found: %s", id)
	}
	return nil
}

// DeleteUnit removes a unit together with its bindings and tasks.
func (s *SQLiteStore) DeleteUnit(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM source_units WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete unit: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("unit not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnitRow(row *sql.Row) (*core.SourceUnit, error) {
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return u, nil
}

func scanUnit(row rowScanner) (*core.SourceUnit, error) {
	u := &core.SourceUnit{}
	var artifactHash sql.NullString
	var lastCompiled sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&u.ID, &u.Package, &u.Name, &u.Source, &u.State, &u.Artifact, &artifactHash,
		&lastCompiled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	u.ArtifactHash = artifactHash.String
	u.LastCompiledAt = fromNullUnix(lastCompiled)
	u.CreatedAt = fromUnix(createdAt)
	u.UpdatedAt = fromUnix(updatedAt)
	return u, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}
