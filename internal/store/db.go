// Package store implements SQLite persistence for the voice command
// resolution engine: the element store (fingerprinted UI elements and their
// generated commands) and the learning store (decisions and interaction
// feedback). Both share one database so foreign-key cascades span them.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"voiceos/internal/logging"
)

// DB wraps the shared SQLite handle. A single connection is used (sqlite
// serializes writers anyway), which also makes the upsert-versus-prune race
// rule trivial to honor: statements execute in arrival order and the prune
// DELETE re-checks its condition.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
	path string
}

// Open initializes the SQLite database at the given path, creating the
// schema if needed. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	// Cascade deletes (elements -> commands/interactions) depend on this.
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		conn.Close()
		return nil, err
	}

	logging.Store("Store initialization complete")
	return db, nil
}

// initialize creates the required tables.
func (d *DB) initialize() error {
	elementsTable := `
	CREATE TABLE IF NOT EXISTS elements (
		fingerprint TEXT PRIMARY KEY,
		package_name TEXT NOT NULL,
		app_version TEXT NOT NULL,
		resource_id TEXT,
		class_name TEXT NOT NULL,
		ancestor_path TEXT NOT NULL,
		normalized_text TEXT,
		bounds TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		current_state TEXT,
		screen_id TEXT NOT NULL,
		last_seen_at TIMESTAMP,
		missed_scrape_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_elements_screen ON elements(screen_id);
	CREATE INDEX IF NOT EXISTS idx_elements_package ON elements(package_name);
	`

	commandsTable := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_text TEXT NOT NULL,
		fingerprint TEXT NOT NULL REFERENCES elements(fingerprint) ON DELETE CASCADE,
		action_type TEXT NOT NULL,
		base_confidence REAL NOT NULL,
		calibrated_confidence REAL NOT NULL DEFAULT 0,
		synonyms TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		last_used_at TIMESTAMP,
		UNIQUE(fingerprint, command_text)
	);
	CREATE INDEX IF NOT EXISTS idx_commands_fingerprint ON commands(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_commands_text ON commands(command_text);
	`

	interactionsTable := `
	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL REFERENCES elements(fingerprint) ON DELETE CASCADE,
		command_text TEXT NOT NULL,
		outcome TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_fingerprint ON interactions(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
	`

	decisionsTable := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		utterance TEXT NOT NULL,
		candidates_json TEXT NOT NULL,
		chosen_command_text TEXT,
		auto_executed BOOLEAN NOT NULL,
		confidence REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
	`

	for _, table := range []string{elementsTable, commandsTable, interactionsTable, decisionsTable} {
		if _, err := d.conn.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Conn returns the underlying SQL database connection.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Close closes the database connection.
func (d *DB) Close() error {
	logging.Store("Closing store database connection")
	return d.conn.Close()
}

// Stats returns row counts per table.
func (d *DB) Stats() (map[string]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"elements", "commands", "interactions", "decisions"} {
		var count int64
		if err := d.conn.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
