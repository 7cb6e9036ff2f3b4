// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current on-disk schema version. Old databases are
// upgraded in place by runMigrations; records written by older builds are
// additionally upgraded field-by-field when loaded (see internal/swap).
const schemaVersion = 2

// Storage provides persistent storage for the swap engine.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "atlas.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- =========================================================================
	-- Swap records (runtime swap state for persistence/recovery)
	-- =========================================================================

	-- One row per swap, escrow and vault alike. Kind-specific fields live in
	-- the versioned JSON envelope in data; the flat columns exist only for
	-- indexing and recovery queries.
	CREATE TABLE IF NOT EXISTS swap_records (
		id TEXT PRIMARY KEY,

		-- 'escrow' or 'vault'
		kind TEXT NOT NULL,

		state TEXT NOT NULL,

		-- Escrow identifier (hex claim hash), empty for vault swaps
		claim_hash TEXT NOT NULL DEFAULT '',

		-- Vault withdrawal txid (big-endian hex), empty until signed
		btc_txid TEXT NOT NULL DEFAULT '',

		-- Whether funds were ever put at risk; uninitiated swaps are
		-- garbage-collected instead of recovered
		initiated INTEGER NOT NULL DEFAULT 0,

		-- Cleared when the swap reaches a terminal state
		active INTEGER NOT NULL DEFAULT 1,

		-- Record format version of the data envelope
		version INTEGER NOT NULL,

		-- Versioned JSON envelope with the full swap state
		data TEXT NOT NULL,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swap_records_active ON swap_records(active, initiated);
	CREATE INDEX IF NOT EXISTS idx_swap_records_state ON swap_records(state);
	CREATE INDEX IF NOT EXISTS idx_swap_records_claim ON swap_records(claim_hash);
	CREATE INDEX IF NOT EXISTS idx_swap_records_btc ON swap_records(btc_txid);
	CREATE INDEX IF NOT EXISTS idx_swap_records_updated ON swap_records(updated_at);

	-- Secrets table (separate for security - escrow preimages)
	CREATE TABLE IF NOT EXISTS swap_secrets (
		claim_hash TEXT PRIMARY KEY,
		swap_id TEXT NOT NULL,

		-- The preimage, hex-encoded
		secret TEXT NOT NULL,

		created_at INTEGER NOT NULL,
		revealed_at INTEGER,

		FOREIGN KEY (swap_id) REFERENCES swap_records(id)
	);

	CREATE INDEX IF NOT EXISTS idx_swap_secrets_swap ON swap_secrets(swap_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases
	return s.runMigrations()
}

// runMigrations upgrades databases written by older builds. Version 1 stored
// swap states as small integers; version 2 stores the state names. The JSON
// envelope keeps its own version and is upgraded on load, so only the flat
// column needs rewriting here.
func (s *Storage) runMigrations() error {
	current, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if current < 2 {
		if err := s.migrateIntegerStates(); err != nil {
			return fmt.Errorf("failed to migrate legacy states: %w", err)
		}
	}

	return s.setSchemaVersion(schemaVersion)
}

// legacyStates maps the version-1 integer state column to state names. The
// mapping is shared by escrow and vault records; integers the map does not
// know are left untouched and handled by the envelope upgrade on load.
var legacyStates = map[string]string{
	"-2": "QUOTE_EXPIRED",
	"-1": "FAILED",
	"0":  "CREATED",
	"1":  "COMMITTED",
	"2":  "CLAIMED",
	"3":  "REFUNDED",
	"4":  "EXPIRED",
}

func (s *Storage) migrateIntegerStates() error {
	for old, name := range legacyStates {
		if _, err := s.db.Exec(
			"UPDATE swap_records SET state = ? WHERE state = ?", name, old,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) getSchemaVersion() (int, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'schema_version'").Scan(&value)
	if err == sql.ErrNoRows {
		return schemaVersion, nil // fresh database
	}
	if err != nil {
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("malformed schema_version %q: %w", value, err)
	}
	return v, nil
}

func (s *Storage) setSchemaVersion(v int) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES ('schema_version', ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, fmt.Sprintf("%d", v), time.Now().Unix())
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
