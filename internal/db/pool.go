// Package db provides shared database plumbing for the store layer.
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of pgxpool.Pool the store layer uses. Keeping the
// store on this interface lets pgxmock stand in during unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

var _ Pool = (*pgxpool.Pool)(nil)

// uniqueViolationCode is the Postgres SQLSTATE for a unique-constraint
// violation.
const uniqueViolationCode = "23505"

// UniqueViolation reports whether err is a Postgres unique-constraint
// violation. The source registry treats this as the expected outcome of a
// duplicate-create race, not a failure.
func UniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
