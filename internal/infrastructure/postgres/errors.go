package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/rxdesk/internal/domain"
)

// SQLSTATE codes the store translates into domain errors.
const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
)

// classify turns driver errors into domain errors where the cause is the
// caller's input. Everything else is returned wrapped with op and becomes a
// StoreError at the service boundary.
func classify(op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeForeignKeyViolation:
			return domain.Validation(fmt.Sprintf("%s %q is still referenced or references a missing row (%s)", entity, id, pgErr.ConstraintName))
		case codeUniqueViolation:
			return domain.Validation(fmt.Sprintf("%s %q already exists", entity, id))
		case codeCheckViolation:
			return domain.Validation(fmt.Sprintf("%s %q violates %s", entity, id, pgErr.ConstraintName))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation
}
