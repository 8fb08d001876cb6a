// Package database provides the SQLite connection and embedded migrations
// behind the metric snapshot store.
package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	*sql.DB
	path string
}

func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// modernc.org/sqlite requires pragmas via SQL, not DSN parameters
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// foreign_keys must be set on every connection (not persistent)
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA wal_autocheckpoint = 1000",
		"PRAGMA journal_size_limit = 67108864",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

func (db *DB) Path() string {
	return db.path
}

type migration struct {
	version int
	file    string
	name    string
}

// migrations lists the embedded NNN_name.sql files in version order.
func migrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".sql")
		if !ok {
			continue
		}
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name must be NNN_name.sql", e.Name())
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", e.Name(), err)
		}
		out = append(out, migration{version: version, file: "migrations/" + e.Name(), name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies every embedded migration newer than the recorded schema
// version. Each file records its own version.
func (db *DB) Migrate() error {
	pending, err := migrations()
	if err != nil {
		return err
	}

	var currentVersion int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		currentVersion = 0
	}

	slog.Debug("checking migrations", "current_version", currentVersion)

	for _, m := range pending {
		if m.version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile(m.file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", m.file, err)
		}

		slog.Info("applying migration", "version", m.version, "name", m.name)

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", m.file, err)
		}
	}

	slog.Debug("migrations complete")
	return nil
}

// Version returns the highest applied migration.
func (db *DB) Version() (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

func (db *DB) Size() (int64, error) {
	var pageCount, pageSize int64

	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("getting page count: %w", err)
	}

	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("getting page size: %w", err)
	}

	return pageCount * pageSize, nil
}

type Stats struct {
	TotalSnapshots    int64
	OldestSnapshot    sql.NullString
	NewestSnapshot    sql.NullString
	DatabaseSizeBytes int64
}

func (db *DB) Stats() (*Stats, error) {
	stats := &Stats{}

	err := db.QueryRow(`
		SELECT COUNT(*), MIN(taken_at), MAX(taken_at)
		FROM metric_snapshots
	`).Scan(&stats.TotalSnapshots, &stats.OldestSnapshot, &stats.NewestSnapshot)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot stats: %w", err)
	}

	stats.DatabaseSizeBytes, err = db.Size()
	if err != nil {
		return nil, fmt.Errorf("getting database size: %w", err)
	}

	return stats, nil
}

func (db *DB) Checkpoint() error {
	_, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("checkpointing WAL: %w", err)
	}
	return nil
}

func (db *DB) Vacuum() error {
	_, err := db.Exec("VACUUM")
	if err != nil {
		return fmt.Errorf("vacuuming database: %w", err)
	}
	return nil
}

func (db *DB) Optimize() error {
	_, err := db.Exec("PRAGMA optimize")
	if err != nil {
		return fmt.Errorf("optimizing database: %w", err)
	}
	return nil
}
