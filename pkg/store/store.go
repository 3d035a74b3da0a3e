// Package store is the transactional storage kernel of the settlement
// substrate: the append-only event store with per-aggregate hash chains,
// snapshots, idempotency registry, ledger, artifact store, outbox, delivery
// outbox, correlations, signer keys and the CommitTx write boundary.
//
// It targets Postgres via database/sql (lib/pq). The portable SQL subset
// also runs on SQLite for tests; Postgres-only features (advisory locks,
// FOR UPDATE SKIP LOCKED, statement timeouts) degrade explicitly per
// dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianlabs/settled/pkg/projection"
)

// Dialect selects SQL variants.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Options tune kernel behavior. Zero values fall back to defaults.
type Options struct {
	Dialect Dialect
	// ReclaimAfter is the lease age after which claimed outbox/delivery
	// rows return to the pool.
	ReclaimAfter time.Duration
	// MaxAttempts is the outbox DLQ threshold.
	MaxAttempts int
	// StatementTimeout bounds worker statements (Postgres only, 0 = off).
	StatementTimeout time.Duration
	// PlatformMaxPendingDeliveries clamps tenant delivery quotas (0 = off).
	PlatformMaxPendingDeliveries int
	// BootstrapKeyID is the server signer key exempt from signer-key
	// lookups at append time.
	BootstrapKeyID string
	// Reducers resolves aggregate types to snapshot reducers. Defaults to
	// the built-in registry.
	Reducers *projection.Registry
	Logger   *slog.Logger
}

// Store is the SQL kernel. All mutations go through transactions; the
// in-memory mirror is a best-effort read cache, never authoritative.
type Store struct {
	db         *sql.DB
	opts       Options
	reducers   *projection.Registry
	mirror     *projection.Mirror
	logger     *slog.Logger
	outboxHook func()
}

// New creates a Store over db.
func New(db *sql.DB, opts Options) *Store {
	if opts.Dialect == "" {
		opts.Dialect = DialectPostgres
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 25
	}
	if opts.Reducers == nil {
		opts.Reducers = projection.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}
	return &Store{
		db:       db,
		opts:     opts,
		reducers: opts.Reducers,
		mirror:   projection.NewMirror(),
		logger:   logger,
	}
}

// DB exposes the underlying handle for worker transactions.
func (s *Store) DB() *sql.DB { return s.db }

// Mirror returns the process-local projection cache.
func (s *Store) Mirror() *projection.Mirror { return s.mirror }

// ReclaimAfter returns the configured lease reclaim interval.
func (s *Store) ReclaimAfter() time.Duration { return s.opts.ReclaimAfter }

// MaxAttempts returns the outbox DLQ threshold.
func (s *Store) MaxAttempts() int { return s.opts.MaxAttempts }

// BeginWorkerTx opens a transaction with the per-worker statement timeout
// applied. Callers must commit or roll back in all paths.
func (s *Store) BeginWorkerTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin worker tx: %w", err)
	}
	if s.opts.StatementTimeout > 0 && s.opts.Dialect == DialectPostgres {
		ms := s.opts.StatementTimeout.Milliseconds()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("set statement timeout: %w", err)
		}
	}
	return tx, nil
}

// now is indirected for tests.
var now = func() time.Time { return time.Now().UTC() }
