package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

// ErrPersistenceWrite marks a store write rejected for a reason other than a duplicate key.
var ErrPersistenceWrite = errors.New("persistence write failed")

// IsUniqueViolation reports whether err is a Postgres unique-constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	// Wrapped driver errors sometimes lose their type.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlstate "+uniqueViolationCode) ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func writeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceWrite, op, err)
}
