package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the executor surface shared by pgxpool.Pool and pgx.Tx, so the
// same query methods run standalone or inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles the handwritten SQL for the clip store.
type Queries struct {
	q Querier
}

func New(q Querier) *Queries {
	return &Queries{q: q}
}
