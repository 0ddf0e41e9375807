package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("conflict")
	// ErrReferenceMissing is returned when a foreign key points at a missing row.
	ErrReferenceMissing = errors.New("referenced row missing")
	// ErrLastOwner is returned when a change would leave a workspace without an owner.
	ErrLastOwner = errors.New("workspace must keep an owner")
)

// mapPostgresError maps constraint violations to sentinel errors and leaves everything else wrapped.
func mapPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, ErrConflict)
	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, ErrReferenceMissing)
	case pgerrcode.CheckViolation:
		return fmt.Errorf("%s: check constraint %s: %w", op, pgErr.ConstraintName, err)
	default:
		return fmt.Errorf("%s: postgres error [%s]: %s: %w", op, pgErr.Code, pgErr.Message, err)
	}
}
