// SPDX-License-Identifier: MIT

// Package store is the relational access layer for roomd. The schema is owned
// upstream by the organisation's booking system; this core only reads the
// defined rows and writes session status transitions. EnsureSchema exists for
// local and test deployments where no upstream has created the tables yet.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns sane defaults for a room-local database.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs applied to
// every pooled connection via the DSN.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the minimal tables the controller reads. Timestamps are
// stored as unix seconds.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid         TEXT PRIMARY KEY,
			username    TEXT NOT NULL,
			hash        TEXT NOT NULL UNIQUE,
			hash_expiry INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			user_uid   TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time   INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT 'scheduled'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_room_start ON sessions(room_id, start_time)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}
