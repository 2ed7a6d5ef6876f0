package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// SaveErrorLog persists one error-log entry.
func (s *SQLiteStore) SaveErrorLog(ctx context.Context, entry *core.ErrorLog) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = generateID()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (id, tenant_id, message, details, severity, code_class, code_line, user_id, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.Message, nullableString(entry.Details), entry.Severity,
		nullableString(entry.CodeClass), entry.CodeLine, nullableString(entry.UserID), toUnix(entry.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save error log: %w", err)
	}
	return nil
}

// ListErrorLogs returns the newest entries for a tenant, newest first.
func (s *SQLiteStore) ListErrorLogs(ctx context.Context, tenantID string, limit int) ([]*core.ErrorLog, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, message, details, severity, code_class, code_line, user_id, occurred_at
		 FROM error_logs WHERE tenant_id = ? ORDER BY occurred_at DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list error logs: %w", err)
	}
	defer rows.Close()

	var entries []*core.ErrorLog
	for rows.Next() {
		e := &core.ErrorLog{}
		var details, codeClass, userID sql.NullString
		var occurredAt int64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Message, &details, &e.Severity, &codeClass, &e.CodeLine, &userID, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan error log: %w", err)
		}
		e.Details = details.String
		e.CodeClass = codeClass.String
		e.UserID = userID.String
		e.OccurredAt = fromUnix(occurredAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
