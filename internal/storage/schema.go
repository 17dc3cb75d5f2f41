package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaTooNew is returned by Open when the database was written by a
// newer build that knows migrations this one does not.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// migration is one schema step. Versions are contiguous from 1; a step is
// recorded in schema_version in the same transaction that applies it, and
// it must leave its tables in place.
type migration struct {
	version int
	file    string
	tables  []string
}

var migrations = []migration{
	{version: 1, file: "001_client_state.sql", tables: []string{"client_state"}},
	{version: 2, file: "002_session.sql", tables: []string{"session"}},
	{version: 3, file: "003_poll_jobs.sql", tables: []string{"poll_jobs"}},
}

// LatestSchemaVersion is the version Open migrates to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate applies every step above the recorded version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if current > LatestSchemaVersion() {
		return fmt.Errorf("%w: version %d, this build supports %d", ErrSchemaTooNew, current, LatestSchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(m migration) error {
	body, err := migrationsFS.ReadFile("migrations/" + m.file)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", m.file, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("applying migration %d (%s): %w", m.version, m.file, err)
	}
	for _, table := range m.tables {
		if err := requireTable(tx, table); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.version, err)
	}
	return nil
}

func requireTable(tx *sql.Tx, name string) error {
	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n); err != nil {
		return fmt.Errorf("checking table %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("table %s missing after migration", name)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a new database.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return int(v.Int64), nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
