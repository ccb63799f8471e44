// Package postgres implements store.Store on PostgreSQL with pgx. Every
// transaction runs at SERIALIZABLE isolation and is retried on serialization
// failures and deadlocks.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartprospect/backend/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store is a pgxpool-backed store.Store.
type Store struct {
	pool  *pgxpool.Pool
	retry retrypolicy.RetryPolicy[any]
	log   *slog.Logger
}

// New wraps pool. maxRetries bounds how often a transaction is re-run after a
// serialization failure.
func New(pool *pgxpool.Pool, maxRetries int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return retryable(err) }).
		WithBackoff(10*time.Millisecond, 500*time.Millisecond).
		WithJitterFactor(0.2).
		WithMaxRetries(maxRetries).
		Build()
	return &Store{pool: pool, retry: policy, log: log}
}

var _ store.Store = (*Store)(nil)

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(tx store.Tx) error) error {
	attempts := 0
	_, err := failsafe.With[any](s.retry).WithContext(ctx).Get(func() (any, error) {
		attempts++
		if attempts > 1 {
			s.log.Debug("retrying serializable transaction", "attempt", attempts)
		}
		return nil, s.attempt(ctx, opts, fn)
	})
	return err
}

func (s *Store) attempt(ctx context.Context, opts pgx.TxOptions, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&queries{tx: tx, readOnly: opts.AccessMode == pgx.ReadOnly}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Migrate applies the embedded schema in lexical order. Every statement is
// idempotent, so re-running it is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
