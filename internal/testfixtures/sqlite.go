package testfixtures

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/example/presence-engine/internal/persistence"
	"github.com/example/presence-engine/internal/persistence/memory"
	"github.com/example/presence-engine/internal/persistence/sqlite"
)

// StoreHarness exposes every repository of one storage backend so the same tests can run
// against each implementation.
type StoreHarness struct {
	Name     string
	Policies persistence.PolicyRepository
	Sites    persistence.SiteRepository
	Tokens   persistence.PeerTokenRepository
	Sessions persistence.SessionRepository

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *StoreHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness opens a migrated SQLite database in a temporary directory. Close is
// registered with tb.Cleanup.
func NewSQLiteHarness(tb testing.TB) *StoreHarness {
	tb.Helper()

	ctx := context.Background()
	path := filepath.Join(tb.TempDir(), "presence.db")

	storage, err := sqlite.Open(ctx, sqlite.DefaultConfig(path))
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}

	if err := storage.Migrate(ctx, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		_ = storage.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &StoreHarness{
		Name:     "sqlite",
		Policies: storage,
		Sites:    storage,
		Tokens:   storage,
		Sessions: storage,
		cleanup: func() {
			_ = storage.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// NewMemoryHarness returns a harness backed by the in-memory store.
func NewMemoryHarness(tb testing.TB) *StoreHarness {
	tb.Helper()

	storage := memory.New()
	harness := &StoreHarness{
		Name:     "memory",
		Policies: storage,
		Sites:    storage,
		Tokens:   storage,
		Sessions: storage,
		cleanup: func() {
			_ = storage.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// StoreConstructors lists every backend harness in a stable order.
func StoreConstructors() []func(testing.TB) *StoreHarness {
	return []func(testing.TB) *StoreHarness{NewMemoryHarness, NewSQLiteHarness}
}
