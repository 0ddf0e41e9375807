package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPostgresError(t *testing.T) {
	assert.NoError(t, mapPostgresError("op", nil))

	unique := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "workspaces_slug_key"}
	err := mapPostgresError("insert workspace", unique)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "workspaces_slug_key")

	fk := &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, ConstraintName: "tasks_assignee_id_fkey"}
	assert.ErrorIs(t, mapPostgresError("insert task", fk), ErrReferenceMissing)

	check := &pgconn.PgError{Code: pgerrcode.CheckViolation, ConstraintName: "tickets_status_check"}
	err = mapPostgresError("update ticket", check)
	assert.False(t, errors.Is(err, ErrConflict))
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)

	assert.ErrorIs(t, mapPostgresError("get user", sql.ErrNoRows), sql.ErrNoRows)
}
