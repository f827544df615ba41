package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation    = "23505"
	mysqlDuplicateEntry  = 1062
	sqliteUniqueFragment = "UNIQUE constraint failed"
)

// IsUniqueViolation reports whether err is a unique constraint violation on
// Postgres, MySQL or SQLite. When constraintName is provided, the helper also
// requires the constraint text to appear in the error.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return matchesConstraint(err, constraintName)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return constraintName == "" || pgErr.ConstraintName == constraintName || matchesConstraint(err, constraintName)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return matchesConstraint(err, constraintName)
	}

	msg := err.Error()
	if strings.Contains(msg, "duplicate key value") || strings.Contains(msg, sqliteUniqueFragment) {
		return matchesConstraint(err, constraintName)
	}
	return false
}

func matchesConstraint(err error, constraintName string) bool {
	if constraintName == "" {
		return true
	}
	return strings.Contains(err.Error(), constraintName)
}

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	mysqlDeadlock          = 1213
	mysqlLockWaitTimeout   = 1205
	sqliteBusyFragment     = "database is locked"
)

// IsRetryable reports whether err is a transient conflict that succeeds when
// the whole transaction is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	return strings.Contains(err.Error(), sqliteBusyFragment)
}
