// Package storage provides durable state for the relayer using SQLite.
// The swap session table is the single source of truth for orchestrator
// progress; no correctness-relevant state lives only in memory.
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

// Storage provides persistent storage for the relayer.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`
}

// New opens (or creates) the relayer database under cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := ExpandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crosslock.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

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

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Swap sessions: orchestrator-owned protocol state, one row per swap.
	CREATE TABLE IF NOT EXISTS swap_sessions (
		swap_id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,

		-- Protocol status (pending, src_escrow_created, dst_escrow_created,
		-- secret_revealed, completed, refund_pending, refunded, failed)
		status TEXT NOT NULL,

		-- Hashlock commitment (hex); preimage only once revealed and verified
		hashlock TEXT NOT NULL,
		preimage TEXT,

		-- Escrow linkage (content-addressed ids, hex)
		src_contract_id TEXT,
		dst_contract_id TEXT,

		-- Frozen swap terms (JSON blob; enough to rebuild both escrow legs)
		terms TEXT NOT NULL,

		-- Watchdog checkpoints (unix seconds)
		src_cancellation INTEGER NOT NULL DEFAULT 0,
		dst_cancellation INTEGER NOT NULL DEFAULT 0,

		failure_reason TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swap_sessions_status ON swap_sessions(status);
	CREATE INDEX IF NOT EXISTS idx_swap_sessions_updated ON swap_sessions(updated_at);

	-- Per-chain event cursors: last processed offset of each chain's
	-- escrow event log, so monitoring resumes without gaps after restart.
	CREATE TABLE IF NOT EXISTS chain_cursors (
		chain TEXT PRIMARY KEY,
		last_seq INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
