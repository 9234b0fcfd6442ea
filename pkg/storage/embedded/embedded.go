// Package embedded implements the StorageAdapter contract over a
// single SQLite file via modernc.org/sqlite, the pure-Go driver. It shares all table/outbox/snapshot logic
// with pkg/storage/memory through pkg/storage/internal/sqlitecore; the only
// difference is the DSN and that writes are already durable on commit, so no
// onCommit flush hook is needed.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/chainledger/eventcore/pkg/storage/internal/sqlitecore"
)

// Store is a file-backed StorageAdapter.
type Store struct {
	*sqlitecore.Engine
	db *sql.DB
}

// Config configures a Store.
type Config struct {
	Path         string
	MaxOpenConns int
	WALMode      bool
	Logger       *slog.Logger
}

// Option mutates a Config.
type Option func(*Config)

// WithMaxOpenConns bounds the connection pool. SQLite only truly benefits
// from one writer; readers can share more connections when WAL is enabled.
func WithMaxOpenConns(n int) Option {
	return func(c *Config) { c.MaxOpenConns = n }
}

// WithWALMode enables write-ahead logging for better read/write concurrency.
func WithWALMode(enabled bool) Option {
	return func(c *Config) { c.WALMode = enabled }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// Open opens (creating if absent) a single-file SQLite database at path and
// ensures its schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	cfg := Config{Path: path, MaxOpenConns: 1, WALMode: true, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.Path
	if cfg.WALMode {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("embedded: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	engine, err := sqlitecore.Open(ctx, db, sqlitecore.WithLogger(cfg.Logger))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{Engine: engine, db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.Engine.Close()
}
