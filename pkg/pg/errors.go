package pg

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PgErrUniqueViolation is the postgres SQLSTATE for unique_violation.
const PgErrUniqueViolation = "23505"

// IsUniqueViolation reports whether err was caused by a unique index rejecting a row.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == PgErrUniqueViolation
	}
	// sqlite without error translation
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
