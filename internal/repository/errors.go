// Package repository defines the data access layer and the error types
// shared by its repositories.  These sentinel values allow higher layers
// such as the tracker and the handlers to distinguish between different
// failure scenarios without inspecting driver errors.
package repository

import (
	"context"
	"database/sql"
	"errors"
)

// ErrConflict is returned when a conditional write matched no row
// because the row no longer satisfies the guard, such as claiming a
// part somebody else already holds.
var ErrConflict = errors.New("conflict")

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the subset of *sql.DB and *sql.Tx used by the repositories.
// Methods with a Tx suffix accept one so the caller controls the
// transaction boundary.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// mustAffect maps an update that touched no row to ErrNotFound.
func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
