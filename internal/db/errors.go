package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the sync engines react to.
const (
	CodeUndefinedTable  = "42P01"
	CodeInvalidSchema   = "3F000"
	CodeUndefinedColumn = "42703"
	CodeUniqueViolation = "23505"
	CodeAdminShutdown   = "57P01"
	CodeCrashShutdown   = "57P02"
	CodeCannotConnect   = "57P03"
)

// PgCode returns the SQLSTATE of err, or "" when err is not a server error.
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUndefinedTable reports whether err means the table or the tenant schema
// does not exist.
func IsUndefinedTable(err error) bool {
	switch PgCode(err) {
	case CodeUndefinedTable, CodeInvalidSchema:
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return PgCode(err) == CodeUniqueViolation
}

// IsConnectionError reports whether err is an infrastructure failure (lost
// connection, server shutdown, cancelled request) rather than a problem with
// the statement itself. Such errors abort the remainder of a push.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return false
	}

	code := PgCode(err)
	if code != "" {
		switch code {
		case CodeAdminShutdown, CodeCrashShutdown, CodeCannotConnect:
			return true
		}
		// Class 08: connection exception
		return strings.HasPrefix(code, "08")
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
