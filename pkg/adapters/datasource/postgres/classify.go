package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// ClassifyError maps server errors by SQLSTATE. Errors raised before a
// server response (dial failures, TLS) fall through to the shared rules.
func (a *Adapter) ClassifyError(err error) *apperrors.Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return datasource.FromSQLState(pgErr.Code, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		if state := datasource.SQLStateFromMessage(err.Error()); state != "" {
			return datasource.FromSQLState(state, err)
		}
		return apperrors.Wrap(apperrors.KindConnectionLost, "", err)
	}

	if state := datasource.SQLStateFromMessage(err.Error()); state != "" {
		return datasource.FromSQLState(state, err)
	}
	return nil
}
