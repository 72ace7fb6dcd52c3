package adapters

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE codes the store cares about, shared by every Postgres driver.
const (
	SQLStateLockNotAvailable = "55P03"
	SQLStateUniqueViolation  = "23505"
)

// SQLState extracts the Postgres SQLSTATE from a driver error, for either
// driver family (pgx or lib/pq). It returns "" for anything else.
func SQLState(err error) string {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// IsLockNotAvailable reports whether err is a failed NOWAIT lock acquisition.
func IsLockNotAvailable(err error) bool {
	return SQLState(err) == SQLStateLockNotAvailable
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == SQLStateUniqueViolation
}
