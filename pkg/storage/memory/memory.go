// Package memory implements the StorageAdapter contract over an
// in-process SQLite database with no backing file. Writes are
// durable only after FlushToDurable is called; no flush runs on commit, and
// callers choose when to flush (periodically, on shutdown, or after a batch
// of writes). Each flush replaces the file at the flush path.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/chainledger/eventcore/pkg/storage/internal/sqlitecore"
)

// instanceSeq disambiguates the shared-cache memory DSN across Store
// instances: "file::memory:?cache=shared" with no name is SQLite's single
// process-wide anonymous shared database, so two Stores opened in the same
// process would otherwise silently see each other's tables.
var instanceSeq atomic.Int64

// Store is an in-memory StorageAdapter with an explicit flush-to-durable escape hatch.
type Store struct {
	*sqlitecore.Engine
	db *sql.DB

	mu        sync.Mutex
	flushPath string
	flushed   bool
	logger    *slog.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates a fresh in-memory SQLite database. flushPath, if non-empty, is
// the file FlushToDurable writes to via SQLite's VACUUM INTO.
func Open(ctx context.Context, flushPath string, opts ...Option) (*Store, error) {
	// A uniquely named in-memory database (file:eventcore-mem-N?mode=memory
	// &cache=shared) keeps the data alive across the pool's connections for
	// the lifetime of the process, without colliding with any other Store
	// instance's tables.
	name := fmt.Sprintf("eventcore-mem-%d", instanceSeq.Add(1))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, flushPath: flushPath, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	engine, err := sqlitecore.Open(ctx, db, sqlitecore.WithLogger(s.logger))
	if err != nil {
		db.Close()
		return nil, err
	}
	s.Engine = engine
	return s, nil
}

// FlushToDurable copies the entire in-memory database to flushPath using
// SQLite's native VACUUM INTO, producing a consistent, openable single-file
// snapshot without holding a long-lived write lock open.
func (s *Store) FlushToDurable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushPath == "" {
		return fmt.Errorf("memory: FlushToDurable called with no flush path configured")
	}

	// VACUUM INTO refuses a target that already exists and is non-empty, so
	// write a fresh temp file and rename it over the previous flush.
	tmp := s.flushPath + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: flush to durable: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return fmt.Errorf("memory: flush to durable: %w", err)
	}
	if err := os.Rename(tmp, s.flushPath); err != nil {
		return fmt.Errorf("memory: flush to durable: %w", err)
	}
	s.flushed = true
	return nil
}

// Close closes the underlying database handle. The in-memory data is lost
// unless FlushToDurable was called first.
func (s *Store) Close() error {
	return s.Engine.Close()
}
