package infrastructure

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"seclog.io/chain/internal/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Execer is the subset of a pgx pool or connection MigrateSchema needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MigrationFiles returns the embedded schema files in apply order.
func MigrationFiles() ([]string, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// MigrateSchema applies every embedded migration. Each file is idempotent,
// so re-running on an up-to-date database is a no-op.
func MigrateSchema(ctx context.Context, db Execer) error {
	names, err := MigrationFiles()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		// No arguments: pgx uses the simple protocol, which allows multiple statements.
		if _, err := db.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		logger.Debug("Migration applied", zap.String("file", name))
	}
	return nil
}
