package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore implements Store and MasterStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	kind   Kind
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store instance of the given kind.
func NewSQLiteStore(kind Kind, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{kind: kind, logger: logger}
}

// NewWithDB wraps an already-open database. Used by tests with sqlmock.
func NewWithDB(db *sql.DB, kind Kind, logger *slog.Logger) *SQLiteStore {
	s := NewSQLiteStore(kind, logger)
	s.db = db
	return s
}

// OpenTenant opens (creating if needed) and migrates a tenant database.
func OpenTenant(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	return openKind(ctx, path, KindTenant, logger)
}

// OpenMaster opens (creating if needed) and migrates the master database.
func OpenMaster(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	return openKind(ctx, path, KindMaster, logger)
}

func openKind(ctx context.Context, path string, kind Kind, logger *slog.Logger) (*SQLiteStore, error) {
	s := NewSQLiteStore(kind, logger)
	if err := s.Open(path); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Open opens a connection to the SQLite database.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	// Enable foreign keys and WAL mode for better performance
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = ":memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path
	s.logger.Debug("opened sqlite database", "path", path, "kind", s.kind)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DB exposes the underlying connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// generateID creates a new UUID.
func generateID() string {
	return uuid.New().String()
}

// now returns the current time truncated to the precision the store keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func toUnix(t time.Time) int64 {
	return t.UnixMicro()
}

func fromUnix(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) checkOpen() error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	return nil
}
