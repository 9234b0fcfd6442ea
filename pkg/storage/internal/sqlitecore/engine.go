// Package sqlitecore is the shared modernc.org/sqlite engine behind
// pkg/storage/embedded and pkg/storage/memory. It owns the
// dynamic per-aggregate table registry, the outbox, the snapshot table, the
// delivery watermark, and every StorageAdapter operation; the two backend
// packages differ only in how they open the underlying *sql.DB, plus the
// explicit FlushToDurable that pkg/storage/memory adds.
package sqlitecore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chainledger/eventcore/pkg/idgen"
	"github.com/chainledger/eventcore/pkg/migrate"
)

// ParamLimit is SQLite's default SQLITE_MAX_VARIABLE_NUMBER-derived ceiling
// this engine budgets against. modernc.org/sqlite is compiled with the
// upstream default of 32766, but we stay conservative so a single chunk
// never risks tripping a tighter build-time limit.
const ParamLimit = 900

const (
	minPrefetch = 256
	maxPrefetch = 8192
)

// fixedOverheadBytes accounts for envelope/framing bytes a wire record costs
// beyond its payload (field names, timestamps, request and aggregate ids)
// when budgeting a delivery chunk against transportCapBytes.
const fixedOverheadBytes = 256

// avgEventBytesGuess seeds the prefetch window size before any row has been
// read: transportCapBytes / avgEventBytesGuess estimates how many rows are
// likely to fit a chunk, clamped to [minPrefetch, maxPrefetch].
const avgEventBytesGuess = 512

// Engine is the shared storage core. db is already open and migrated by the
// caller (pkg/storage/embedded or pkg/storage/memory); onCommit, set with
// WithOnCommit, runs after each committed PersistAggregatesAndOutbox and
// RollbackAggregates transaction. Neither backend package sets it, so it is a
// no-op; pkg/storage/memory reaches durable storage only through its explicit
// FlushToDurable, never on commit.
type Engine struct {
	db     *sql.DB
	idGen  *idgen.MonotonicID
	logger *slog.Logger
	clock  func() time.Time

	onCommit func(ctx context.Context) error

	writeLock   sync.Mutex
	deliverLock sync.Mutex

	tablesMu sync.RWMutex
	tables   map[string]bool

	watermarkMu sync.Mutex
	watermark   int64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default logger, slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithOnCommit sets the post-transaction durability hook.
func WithOnCommit(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.onCommit = fn }
}

// Open runs schema migrations against db (already connected to either a
// file-backed or :memory: SQLite database) and returns a ready Engine.
func Open(ctx context.Context, db *sql.DB, opts ...Option) (*Engine, error) {
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("sqlitecore: enable foreign_keys: %w", err)
	}

	runner := migrate.New(db, versionTable)
	if err := runner.LoadFS(migrationsFS, migrationsDir); err != nil {
		return nil, fmt.Errorf("sqlitecore: load migrations: %w", err)
	}
	if err := runner.Up(); err != nil {
		return nil, fmt.Errorf("sqlitecore: apply migrations: %w", err)
	}

	e := &Engine{
		db:       db,
		idGen:    idgen.New(),
		logger:   slog.Default(),
		clock:    time.Now,
		onCommit: func(context.Context) error { return nil },
		tables:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.restoreWatermark(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// restoreWatermark recovers the in-memory delivery watermark after a
// restart: the highest outbox id that no longer exists is unknowable, so the
// conservative recovery point is just below the lowest live id (every row
// still in the outbox counts as undelivered), or 0 when the outbox is empty.
func (e *Engine) restoreWatermark(ctx context.Context) error {
	var minID sql.NullInt64
	err := e.db.QueryRowContext(ctx, `SELECT MIN(id) FROM outbox`).Scan(&minID)
	if err != nil {
		return fmt.Errorf("sqlitecore: restore watermark: %w", err)
	}
	e.watermarkMu.Lock()
	defer e.watermarkMu.Unlock()
	if minID.Valid {
		e.watermark = minID.Int64 - 1
	} else {
		e.watermark = 0
	}
	return nil
}

func (e *Engine) getWatermark() int64 {
	e.watermarkMu.Lock()
	defer e.watermarkMu.Unlock()
	return e.watermark
}

func (e *Engine) setWatermark(v int64) {
	e.watermarkMu.Lock()
	defer e.watermarkMu.Unlock()
	if v > e.watermark {
		e.watermark = v
	}
}

// aggregateTableName deterministically derives a safe SQL identifier from an
// arbitrary aggregate id. Identifiers can't be bound as query parameters, so
// the id is hex-encoded to rule out quoting/injection concerns entirely.
func aggregateTableName(aggregateID string) string {
	return "agg_" + hex.EncodeToString([]byte(aggregateID))
}

// EnsureAggregateTable idempotently creates the per-aggregate event table.
func (e *Engine) EnsureAggregateTable(ctx context.Context, aggregateID string) error {
	table := aggregateTableName(aggregateID)

	e.tablesMu.RLock()
	known := e.tables[table]
	e.tablesMu.RUnlock()
	if known {
		return nil
	}

	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()
	if e.tables[table] {
		return nil
	}

	if err := e.ensureAggregateTableLocked(ctx, table); err != nil {
		return err
	}
	e.tables[table] = true
	return nil
}

func (e *Engine) ensureAggregateTableLocked(ctx context.Context, table string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			version        INTEGER NOT NULL,
			request_id     TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			payload        BLOB NOT NULL,
			is_compressed  INTEGER NOT NULL,
			block_height   INTEGER,
			timestamp      INTEGER NOT NULL,
			UNIQUE (version, request_id)
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q(block_height)`, "idx_"+table+"_height", table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q
			BEFORE INSERT ON %q
			WHEN NEW.version < 0
			BEGIN SELECT RAISE(ABORT, 'version must be non-negative'); END`,
			"trg_"+table+"_version", table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %q
			BEFORE INSERT ON %q
			WHEN NEW.block_height IS NOT NULL AND NEW.block_height < 0
			BEGIN SELECT RAISE(ABORT, 'blockHeight must be non-negative'); END`,
			"trg_"+table+"_height", table),
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitecore: ensure table %s: %w", table, err)
		}
	}
	return nil
}

// chunk splits ids into slices no longer than size.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}
