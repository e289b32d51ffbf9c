package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/example/presence-engine/internal/persistence"
	"github.com/example/presence-engine/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Storage is the SQLite implementation of every persistence repository.
type Storage struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
	retry  *RetryHelper
}

var (
	_ persistence.PolicyRepository    = (*Storage)(nil)
	_ persistence.SiteRepository      = (*Storage)(nil)
	_ persistence.PeerTokenRepository = (*Storage)(nil)
	_ persistence.SessionRepository   = (*Storage)(nil)
)

// Open connects to the database described by config. Call Migrate before first use.
func Open(ctx context.Context, config Config) (*Storage, error) {
	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Storage{
		pool:   pool,
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate(ctx context.Context, logger *slog.Logger) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("sqlite: storage is not open")
	}
	scanner := migration.NewScanner(migrationsFS, "migrations")
	manager := migration.NewManager(scanner, migration.NewSQLiteExecutor(s.pool.DB()), logger)
	return manager.Run(ctx)
}

// MigrationStatus reports applied and pending migrations.
func (s *Storage) MigrationStatus(ctx context.Context) (migration.Status, error) {
	scanner := migration.NewScanner(migrationsFS, "migrations")
	manager := migration.NewManager(scanner, migration.NewSQLiteExecutor(s.pool.DB()), nil)
	return manager.Status(ctx)
}

// Ping verifies the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying connections.
func (s *Storage) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// DB exposes the raw handle for tooling and tests.
func (s *Storage) DB() *sql.DB {
	return s.pool.DB()
}

func (s *Storage) exec(ctx context.Context, fn func() error) error {
	return s.retry.WithRetry(ctx, fn)
}
