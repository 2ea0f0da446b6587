package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	mysqlDuplicateEntry  = 1062
	pgUniqueViolation    = "23505"
	sqliteUniqueMessage  = "UNIQUE constraint failed"
	pgDuplicateMessage   = "duplicate key value violates unique constraint"
	mysqlDuplicateMarker = "Error 1062"
)

// IsDuplicateKeyErr reports a primary or unique key violation on any supported
// dialect. Typed driver errors are checked first; the message fallback covers
// sqlite and errors that lost their type while being wrapped as text.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	msg := err.Error()
	return strings.Contains(msg, sqliteUniqueMessage) ||
		strings.Contains(msg, pgDuplicateMessage) ||
		strings.Contains(msg, "SQLSTATE "+pgUniqueViolation) ||
		strings.Contains(msg, mysqlDuplicateMarker)
}
