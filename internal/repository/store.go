// Package repository persists the ledger entities in PostgreSQL. All
// FIFO-mutating writes go through InTx so a failure aborts the whole batch:
// partial links must never survive.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the slice of pgx shared by *pgxpool.Pool and pgx.Tx, so the same
// query methods run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store owns the connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store over an established pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgx pool for components that manage their own
// schema on it (the background job queue).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Queries returns a query handle outside any transaction, for reads that may
// observe the latest committed snapshot.
func (s *Store) Queries() *Queries {
	return &Queries{db: s.pool}
}

// InTx runs fn inside one transaction. Any error rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Queries is the set of row operations, bound either to the pool or to one
// transaction.
type Queries struct {
	db DBTX
}
