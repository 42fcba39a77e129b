package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seclog.io/chain/internal/chain"
)

// Store is the pool-backed durable append store.
// Single statements run on the pool; appends run through InTx.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

// NewStore creates a Store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

// InTx runs fn in a READ COMMITTED transaction. The transaction commits
// only if fn returns nil; any error rolls back everything fn did.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx chain.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, New(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InReadTx runs fn in a REPEATABLE READ, READ ONLY transaction: every
// query fn makes sees the same snapshot.
func (s *Store) InReadTx(ctx context.Context, fn func(ctx context.Context, r chain.Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var _ chain.Store = (*Store)(nil)
var _ chain.Snapshotter = (*Store)(nil)
var _ chain.Tx = (*Queries)(nil)
var _ chain.Reader = (*Queries)(nil)
