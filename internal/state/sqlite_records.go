package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordTx is a record write transaction used by the mutation pipeline.
type RecordTx struct {
	tx *sql.Tx
}

// BeginRecords starts a record write transaction.
func (s *SQLiteStore) BeginRecords(ctx context.Context) (*RecordTx, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &RecordTx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *RecordTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit.
func (t *RecordTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Insert writes a new record, assigning an ID when empty.
func (t *RecordTx) Insert(ctx context.Context, r *core.Record) error {
	return insertRecord(ctx, t.tx, r)
}

// Update replaces the fields of an existing record.
func (t *RecordTx) Update(ctx context.Context, r *core.Record) error {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
	}
	result, err := t.tx.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE id = ? AND type_id = ?`,
		string(data), toUnix(now()), r.ID, r.TypeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("record not found: %s", r.ID)
	}
	return nil
}

// Delete removes a record.
func (t *RecordTx) Delete(ctx context.Context, typeID, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE id = ? AND type_id = ?`, id, typeID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("record not found: %s", id)
	}
	return nil
}

// InsertRecord writes a record outside of any explicit transaction.
func (s *SQLiteStore) InsertRecord(ctx context.Context, r *core.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return insertRecord(ctx, s.db, r)
}

// GetRecord loads one record. Returns nil without error when not found.
func (s *SQLiteStore) GetRecord(ctx context.Context, typeID, id string) (*core.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE id = ? AND type_id = ?`, id, typeID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decodeRecord(typeID, id, data)
}

// GetRecords loads the records with the given IDs, keyed by ID. Missing IDs are absent from the map.
func (s *SQLiteStore) GetRecords(ctx context.Context, typeID string, ids []string) (map[string]*core.Record, error) {
	out := make(map[string]*core.Record, len(ids))
	for _, id := range ids {
		r, err := s.GetRecord(ctx, typeID, id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out[id] = r
		}
	}
	return out, nil
}

// ListRecords returns all records of a type ordered by creation time.
func (s *SQLiteStore) ListRecords(ctx context.Context, typeID string) ([]*core.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM records WHERE type_id = ? ORDER BY created_at, id`, typeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*core.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r, err := decodeRecord(typeID, id, data)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func insertRecord(ctx context.Context, q querier, r *core.Record) error {
	if r.ID == "" {
		r.ID = generateID()
	}
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
	}
	ts := toUnix(now())
	_, err = q.ExecContext(ctx,
		`INSERT INTO records (id, type_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TypeID, string(data), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func decodeRecord(typeID, id, data string) (*core.Record, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return &core.Record{ID: id, TypeID: typeID, Fields: fields}, nil
}
