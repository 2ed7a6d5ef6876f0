package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/master/*.sql migrations/tenant/*.sql
var migrations embed.FS

// newProvider builds a goose provider over the embedded migrations for one schema kind.
func newProvider(db *sql.DB, kind Kind) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, path.Join("migrations", string(kind)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s migrations: %w", kind, err)
	}
	return goose.NewProvider(goose.DialectSQLite3, db, fsys)
}

// Migrate runs all pending migrations for the store's kind.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	return MigrateWithDB(ctx, s.db, s.kind)
}

// MigrateWithDB runs migrations using a raw database connection.
// This is useful for testing or when you have a db connection from elsewhere.
func MigrateWithDB(ctx context.Context, db *sql.DB, kind Kind) error {
	provider, err := newProvider(db, kind)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run %s migrations: %w", kind, err)
	}
	return nil
}

// GetMigrationVersion returns the current migration version.
func (s *SQLiteStore) GetMigrationVersion(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not opened")
	}
	provider, err := newProvider(s.db, s.kind)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}
