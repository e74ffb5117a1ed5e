package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queryable is the subset of pgx shared by pools, connections and
// transactions. Repositories depend on it so they run unchanged inside a
// transaction started by WithTx.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type contextKey string

const txKey contextKey = "db_tx"

// ConnFromContext returns the transaction stored by WithTx, or nil.
func ConnFromContext(ctx context.Context) Queryable {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// Conn returns the transaction in ctx if any, otherwise the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Queryable {
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// WithTx runs fn inside a transaction. Repositories called with the context
// passed to fn join that transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if ConnFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
