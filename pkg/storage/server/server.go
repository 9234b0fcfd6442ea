// Package server implements the StorageAdapter contract against
// PostgreSQL via pgx/pgxpool. Unlike the embedded and in-memory backends it supports native
// cursor streaming (pgx.Rows) for StreamEventsForOneAggregateRead, and uses
// BYTEA/BIGSERIAL with CHECK constraints instead of SQLite's dynamic typing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainledger/eventcore/pkg/idgen"
	"github.com/chainledger/eventcore/pkg/payload"
)

// ParamLimit is the bind-parameter budget per statement, kept under
// PostgreSQL's hard ceiling of 65535.
const ParamLimit = 32000

const (
	minPrefetch = 256
	maxPrefetch = 8192
)

// fixedOverheadBytes accounts for envelope/framing bytes a wire record costs
// beyond its payload when budgeting a delivery chunk against transportCapBytes.
const fixedOverheadBytes = 256

// avgEventBytesGuess seeds the prefetch window size before any row has been
// read: transportCapBytes / avgEventBytesGuess estimates how many rows are
// likely to fit a chunk, clamped to [minPrefetch, maxPrefetch].
const avgEventBytesGuess = 512

// Store is a PostgreSQL-backed StorageAdapter.
type Store struct {
	pool   *pgxpool.Pool
	idGen  *idgen.MonotonicID
	logger *slog.Logger

	writeLock   sync.Mutex
	deliverLock sync.Mutex

	tablesMu sync.RWMutex
	tables   map[string]bool

	watermarkMu sync.Mutex
	watermark   int64
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open connects to PostgreSQL via the given connection string and ensures
// the global schema (outbox, snapshots).
func Open(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("server: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("server: connect: %w", err)
	}

	s := &Store{pool: pool, idGen: idgen.New(), logger: slog.Default(), tables: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureGlobalSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.restoreWatermark(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureGlobalSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			id                         BIGINT PRIMARY KEY,
			aggregate_id               TEXT NOT NULL,
			event_type                 TEXT NOT NULL,
			event_version              BIGINT NOT NULL CHECK (event_version >= 0),
			request_id                 TEXT NOT NULL,
			block_height               BIGINT CHECK (block_height IS NULL OR block_height >= 0),
			payload                    BYTEA NOT NULL,
			is_compressed              BOOLEAN NOT NULL,
			payload_uncompressed_bytes INTEGER NOT NULL,
			timestamp                  BIGINT NOT NULL,
			UNIQUE (aggregate_id, event_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_id ON outbox(id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id            BIGSERIAL PRIMARY KEY,
			aggregate_id  TEXT NOT NULL,
			block_height  BIGINT NOT NULL CHECK (block_height >= 0),
			version       BIGINT NOT NULL,
			payload       BYTEA NOT NULL,
			is_compressed BOOLEAN NOT NULL,
			created_at    BIGINT NOT NULL,
			UNIQUE (aggregate_id, block_height)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_agg_height ON snapshots(aggregate_id, block_height DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("server: ensure global schema: %w", err)
		}
	}
	return nil
}

func (s *Store) restoreWatermark(ctx context.Context) error {
	var minID *int64
	if err := s.pool.QueryRow(ctx, `SELECT MIN(id) FROM outbox`).Scan(&minID); err != nil {
		return fmt.Errorf("server: restore watermark: %w", err)
	}
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()
	if minID != nil {
		s.watermark = *minID - 1
	} else {
		s.watermark = 0
	}
	return nil
}

func (s *Store) getWatermark() int64 {
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()
	return s.watermark
}

func (s *Store) setWatermark(v int64) {
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()
	if v > s.watermark {
		s.watermark = v
	}
}

func aggregateTableName(aggregateID string) string {
	return `"agg_` + strings.ReplaceAll(aggregateID, `"`, "") + `"`
}

// EnsureAggregateTable implements StorageAdapter.EnsureAggregateTable.
func (s *Store) EnsureAggregateTable(ctx context.Context, aggregateID string) error {
	table := aggregateTableName(aggregateID)

	s.tablesMu.RLock()
	known := s.tables[table]
	s.tablesMu.RUnlock()
	if known {
		return nil
	}

	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	if s.tables[table] {
		return nil
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id            BIGSERIAL PRIMARY KEY,
		version       BIGINT NOT NULL CHECK (version >= 0),
		request_id    TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		payload       BYTEA NOT NULL,
		is_compressed BOOLEAN NOT NULL,
		block_height  BIGINT CHECK (block_height IS NULL OR block_height >= 0),
		timestamp     BIGINT NOT NULL,
		UNIQUE (version, request_id)
	)`, table))
	if err != nil {
		return fmt.Errorf("server: ensure aggregate table %s: %w", table, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(block_height)`,
		pgx.Identifier{"idx_" + strings.Trim(table, `"`) + "_height"}.Sanitize(), table)); err != nil {
		return fmt.Errorf("server: ensure aggregate index %s: %w", table, err)
	}

	s.tables[table] = true
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// pgUniqueViolationCode is the PostgreSQL SQLSTATE for unique_violation.
// See https://www.postgresql.org/docs/current/errcodes-appendix.html.
const pgUniqueViolationCode = "23505"

func isUniqueConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode
}

func heightOrSentinel(h *int64) int64 {
	if h == nil {
		return -1
	}
	return *h
}

func decodePayload(stored []byte, compressed bool) ([]byte, error) {
	return payload.Decode(stored, compressed)
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
