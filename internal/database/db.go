package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes the repositories care about
const (
	codeUniqueViolation = "23505"
	codeNotNull         = "23502"
	codeCheckViolation  = "23514"
	codeInvalidText     = "22P02"
	codeInvalidParam    = "22023"
	codeRaiseException  = "P0001"
)

// MapPostgresError translates driver errors into model sentinels.
// Unknown errors are returned unchanged.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		return models.ErrConflict
	case codeNotNull, codeCheckViolation, codeInvalidText, codeInvalidParam:
		return fmt.Errorf("%w: %s", models.ErrBadRequest, pgErr.ConstraintName)
	case codeRaiseException:
		// Raised by the trigger that keeps security_events append-only
		return fmt.Errorf("%w: %s", models.ErrForbidden, pgErr.Message)
	}
	return err
}

// WithTransaction runs fn inside a transaction, committing when fn returns nil.
// A panic in fn rolls back and is re-raised.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(tx)
}
