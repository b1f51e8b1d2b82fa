package tasknotes

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const auditMigrationsPath = "migrations/audit"

//go:embed migrations/audit/*.sql
var migrationsFS embed.FS

// openAuditDB opens (or creates) the audit SQLite database at path with the
// same pragmas as the teacher's state.OpenDB: single-writer, WAL, NORMAL
// sync, busy timeout.
func openAuditDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tasknotes: open audit db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("tasknotes: exec %q: %w", p, err)
		}
	}
	return db, nil
}

// migrateAuditDB applies embedded migrations to db, mirroring the teacher's
// state.migrateSQLiteDB (iofs source + sqlite driver + migrate.Up()).
func migrateAuditDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, auditMigrationsPath)
	if err != nil {
		return fmt.Errorf("tasknotes: migrate source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("tasknotes: migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("tasknotes: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("tasknotes: migrate up: %w", err)
	}
	return nil
}
