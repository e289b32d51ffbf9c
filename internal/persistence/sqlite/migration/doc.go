// Package migration applies versioned SQL migrations to a SQLite database.
//
// Migrations are read from an fs.FS, usually an embedded directory, and must be
// named {version}_{description}.sql (for example "0001_presence_schema.sql").
// Versions must form a continuous sequence. Each migration runs in its own
// transaction and is recorded in the schema_migrations table so that it is
// applied at most once.
//
//	manager := migration.NewManager(migration.NewScanner(migrationsFS, "migrations"), migration.NewSQLiteExecutor(db), logger)
//	if err := manager.Run(ctx); err != nil {
//		return err
//	}
package migration
