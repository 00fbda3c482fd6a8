package datasource

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// IsConnectionLost reports whether err means the physical connection is gone
// and the request may succeed on a fresh one.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"broken pipe",
		"server closed the connection",
		"connection refused",
		"bad connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// SQLStateKind maps an ANSI SQLSTATE to a kind. Shared by dialects that
// report SQLSTATE (postgres, redshift, snowflake, mysql, duckdb).
// ok is false when the state carries no classification.
func SQLStateKind(state string) (apperrors.Kind, bool) {
	if len(state) != 5 {
		return "", false
	}
	switch state {
	case "42601", "42000", "42P10", "42803", "42804", "42883":
		return apperrors.KindSyntax, true
	case "42501":
		return apperrors.KindPermission, true
	case "42P01", "42703", "42704", "3F000", "3D000", "42S02", "42S22":
		return apperrors.KindNotFound, true
	case "57014":
		return apperrors.KindTimeout, true
	case "53300", "53400":
		return apperrors.KindRateLimited, true
	case "57P01", "57P02", "57P03":
		return apperrors.KindConnectionLost, true
	}
	switch state[:2] {
	case "08":
		return apperrors.KindConnectionLost, true
	case "28":
		return apperrors.KindAuth, true
	case "42":
		return apperrors.KindSyntax, true
	case "22", "23", "44":
		// data exceptions and constraint violations are caller errors in the SQL
		return apperrors.KindSyntax, true
	}
	return "", false
}

// sqlStateInMessage matches the "(SQLSTATE 42P01)" suffix pgx and others
// append to error text.
var sqlStateInMessage = regexp.MustCompile(`\(SQLSTATE ([0-9A-Z]{5})\)`)

// SQLStateFromMessage extracts a SQLSTATE embedded in error text, or "".
func SQLStateFromMessage(msg string) string {
	if m := sqlStateInMessage.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}

// FromSQLState classifies err by its SQLSTATE, or returns nil when the state
// carries no classification.
func FromSQLState(state string, err error) *apperrors.Error {
	kind, ok := SQLStateKind(state)
	if !ok {
		return nil
	}
	return apperrors.Wrap(kind, "", err).WithCode(state)
}
