package sqlite

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite connection settings.
type Config struct {
	// Path is the database file path or MemoryPath.
	Path string
	// BusyTimeout sets how long a connection waits for a lock before failing.
	BusyTimeout time.Duration
	// JournalMode is the SQLite journal mode (WAL, DELETE, MEMORY, ...).
	JournalMode string
	// Synchronous is the SQLite synchronous mode (OFF, NORMAL, FULL, EXTRA).
	Synchronous string
	// MaxOpenConns bounds the pool. A single connection serialises writers in-process.
	MaxOpenConns int
}

// DefaultConfig returns settings suitable for a single-process server.
func DefaultConfig(path string) Config {
	cfg := Config{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		JournalMode:  "WAL",
		Synchronous:  "NORMAL",
		MaxOpenConns: 1,
	}
	if path == MemoryPath {
		cfg.JournalMode = "MEMORY"
	}
	return cfg
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("sqlite: path cannot be empty")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: busy timeout cannot be negative")
	}
	switch strings.ToUpper(c.JournalMode) {
	case "", "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "WAL", "OFF":
	default:
		return fmt.Errorf("sqlite: invalid journal mode %q", c.JournalMode)
	}
	switch strings.ToUpper(c.Synchronous) {
	case "", "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("sqlite: invalid synchronous mode %q", c.Synchronous)
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("sqlite: max open connections cannot be negative")
	}
	return nil
}

// DSN renders the modernc.org/sqlite connection string with per-connection pragmas.
// Transactions begin IMMEDIATE so that conflicting writers fail fast on the busy timeout
// instead of deadlocking on lock upgrade.
func (c Config) DSN() string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	if c.JournalMode != "" {
		params.Add("_pragma", fmt.Sprintf("journal_mode(%s)", strings.ToUpper(c.JournalMode)))
	}
	if c.Synchronous != "" {
		params.Add("_pragma", fmt.Sprintf("synchronous(%s)", strings.ToUpper(c.Synchronous)))
	}
	params.Set("_txlock", "immediate")

	if c.Path == MemoryPath {
		return "file::memory:?" + params.Encode()
	}
	return "file:" + c.Path + "?" + params.Encode()
}
