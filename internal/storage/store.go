// Package storage implements the circulation Store against Postgres.
//
// SQL is built with goqu and executed through a small adapter seam so the
// same store runs on a pgx pool, a plain database/sql connection (lib/pq),
// or sqlx. Checkout exclusivity comes from SELECT ... FOR UPDATE NOWAIT on
// the title row: contention surfaces as ErrStoreBusy instead of queuing.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"circulate/internal/circulation"
	"circulate/internal/storage/adapters"
)

var (
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")
	ErrNestedTransaction     = errors.New("transactions do not nest")
	ErrBeginTxFailed         = errors.New("failed to begin transaction")
	ErrCommitTxFailed        = errors.New("failed to commit transaction")
	ErrQueryFailed           = errors.New("database query failed")
	ErrExecFailed            = errors.New("database execution failed")
	ErrScanRowFailed         = errors.New("failed to scan database row")
	ErrBuildQueryFailed      = errors.New("failed to build query")
)

const (
	tableTitles   = "titles"
	tablePatrons  = "patrons"
	tableLoans    = "loans"
	tableWaitlist = "waitlist_entries"

	dialectPostgres = "postgres"
)

// Store is the Postgres-backed implementation of circulation.Store.
type Store struct {
	q      adapters.Querier
	db     adapters.DBAdapter // nil when the store is transaction-scoped
	logger *slog.Logger
	sql    goqu.DialectWrapper
}

// Option defines a functional option for configuring the Store.
type Option func(*Store)

// WithLogger sets the logger used for warnings on cleanup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store on top of any database adapter.
func NewStore(db adapters.DBAdapter, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	s := &Store{
		q:      db,
		db:     db,
		logger: slog.Default(),
		sql:    goqu.Dialect(dialectPostgres),
	}
	for _, option := range options {
		option(s)
	}

	return s, nil
}

// NewStoreFromPGXPool creates a Store using a pgx pool.
func NewStoreFromPGXPool(pool *pgxpool.Pool, options ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrNilDatabaseConnection
	}
	return NewStore(adapters.NewPGXAdapter(pool), options...)
}

// NewStoreFromSQLDB creates a Store using a database/sql connection.
func NewStoreFromSQLDB(db *sql.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}
	return NewStore(adapters.NewSQLAdapter(db), options...)
}

// NewStoreFromSQLX creates a Store using a sqlx connection.
func NewStoreFromSQLX(db *sqlx.DB, options ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}
	return NewStore(adapters.NewSQLXAdapter(db), options...)
}

// Ping probes database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, "SELECT 1"); err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}

// WithTitleLock implements circulation.Store. The row lock is taken with
// NOWAIT: if another transaction holds it, the caller gets ErrStoreBusy
// immediately instead of blocking behind an unbounded queue.
func (s *Store) WithTitleLock(ctx context.Context, titleID uuid.UUID, fn func(ctx context.Context, tx circulation.Store) error) error {
	if s.db == nil {
		return ErrNestedTransaction
	}

	lockQuery, lockArgs, buildErr := s.sql.
		From(tableTitles).
		Select("id").
		Where(goqu.Ex{"id": titleID}).
		ForUpdate(exp.NoWait).
		Prepared(true).
		ToSQL()
	if buildErr != nil {
		return errors.Join(ErrBuildQueryFailed, buildErr)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Join(ErrBeginTxFailed, err)
	}

	rows, err := tx.Query(ctx, lockQuery, lockArgs...)
	if err != nil {
		s.rollback(ctx, tx)
		if adapters.IsLockNotAvailable(err) {
			return circulation.ErrStoreBusy
		}
		return errors.Join(ErrQueryFailed, err)
	}
	locked := rows.Next()
	s.closeRows(rows)
	if !locked {
		s.rollback(ctx, tx)
		return circulation.ErrTitleNotFound
	}

	if err := fn(ctx, s.inTx(tx)); err != nil {
		s.rollback(ctx, tx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrCommitTxFailed, err)
	}
	return nil
}

// InTx implements circulation.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Store) error) error {
	if s.db == nil {
		return ErrNestedTransaction
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Join(ErrBeginTxFailed, err)
	}

	if err := fn(ctx, s.inTx(tx)); err != nil {
		s.rollback(ctx, tx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrCommitTxFailed, err)
	}
	return nil
}

// inTx returns a transaction-scoped view of the store.
func (s *Store) inTx(tx adapters.DBTx) *Store {
	return &Store{
		q:      tx,
		logger: s.logger,
		sql:    s.sql,
	}
}

func (s *Store) rollback(ctx context.Context, tx adapters.DBTx) {
	if err := tx.Rollback(ctx); err != nil {
		s.logger.Warn("transaction rollback failed", "error", err)
	}
}

func (s *Store) closeRows(rows adapters.DBRows) {
	if err := rows.Close(); err != nil {
		s.logger.Warn("failed to close database rows", "error", err)
	}
}
