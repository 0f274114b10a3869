package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SchemaVersion = 1
)

// DB wraps the SQLite database connection. WAL mode, busy timeout, one
// writer at a time.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the SQLite database at the given path and applies
// pending migrations.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1) // SQLite limitation: one writer at a time

	db := &DB{conn: conn, path: dbPath}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// migrate applies versioned migrations tracked through PRAGMA user_version.
func (db *DB) migrate() error {
	var version int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < SchemaVersion {
		version++
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		var applyErr error
		switch version {
		case 1:
			applyErr = applySchemaV1(tx)
		default:
			applyErr = fmt.Errorf("unknown schema version %d", version)
		}
		if applyErr != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply schema v%d: %w", version, applyErr)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func applySchemaV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			chunk_ids TEXT NOT NULL DEFAULT '[]',
			activation TEXT NOT NULL DEFAULT '{}',
			positioning TEXT NOT NULL DEFAULT '{}',
			advanced TEXT NOT NULL DEFAULT '{}',
			filtering TEXT NOT NULL DEFAULT '{}',
			budget TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			bot_ids TEXT NOT NULL DEFAULT '[]',
			persona_ids TEXT NOT NULL DEFAULT '[]',
			conversation_id TEXT NOT NULL,
			message_index INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			importance INTEGER NOT NULL DEFAULT 5,
			emotional_context TEXT NOT NULL DEFAULT '',
			is_vectorized INTEGER NOT NULL DEFAULT 0,
			converted_to_lore INTEGER NOT NULL DEFAULT 0,
			lore_entry_id TEXT,
			converted_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_conversation ON memories(conversation_id, message_index)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			unsummarized_tokens INTEGER NOT NULL DEFAULT 0,
			last_summarized_at TIMESTAMP,
			last_summarized_message_index INTEGER NOT NULL DEFAULT -1,
			requires_summarization INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participant_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			message_index INTEGER NOT NULL,
			from_persona TEXT NOT NULL DEFAULT '',
			to_persona TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participant_events_conversation ON participant_events(conversation_id, message_index)`,
		`CREATE TABLE IF NOT EXISTS activation_log (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message_index INTEGER NOT NULL,
			entry_id TEXT NOT NULL,
			method TEXT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			similarity REAL,
			position TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0,
			included INTEGER NOT NULL,
			exclusion_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activation_log_conversation ON activation_log(conversation_id, message_index)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Begin starts a new transaction.
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
