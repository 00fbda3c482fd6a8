package mssql

import (
	"errors"
	"strconv"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// errorKinds maps SQL Server error numbers.
var errorKinds = map[int32]apperrors.Kind{
	// syntax and conversion errors
	102:  apperrors.KindSyntax,
	105:  apperrors.KindSyntax,
	156:  apperrors.KindSyntax,
	170:  apperrors.KindSyntax,
	245:  apperrors.KindSyntax,
	8134: apperrors.KindSyntax,

	229: apperrors.KindPermission,
	230: apperrors.KindPermission,
	262: apperrors.KindPermission,
	297: apperrors.KindPermission,
	300: apperrors.KindPermission,

	// missing objects
	207:  apperrors.KindNotFound,
	208:  apperrors.KindNotFound,
	2812: apperrors.KindNotFound,
	4060: apperrors.KindNotFound,
	911:  apperrors.KindNotFound,

	18456: apperrors.KindAuth,
	18452: apperrors.KindAuth,
	18488: apperrors.KindAuth,

	1222: apperrors.KindTimeout,

	// Azure SQL resource governance
	10928: apperrors.KindRateLimited,
	10929: apperrors.KindRateLimited,
	40501: apperrors.KindRateLimited,

	40613: apperrors.KindConnectionLost,
	40197: apperrors.KindConnectionLost,
	10053: apperrors.KindConnectionLost,
	10054: apperrors.KindConnectionLost,
	233:   apperrors.KindConnectionLost,
}

func (a *Adapter) ClassifyError(err error) *apperrors.Error {
	var sqlErr mssqldb.Error
	if !errors.As(err, &sqlErr) {
		return nil
	}
	kind, ok := errorKinds[sqlErr.Number]
	if !ok {
		return nil
	}
	return apperrors.Wrap(kind, "", err).WithCode(strconv.Itoa(int(sqlErr.Number)))
}
