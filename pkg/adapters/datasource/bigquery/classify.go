package bigquery

import (
	"errors"
	"strconv"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

var reasonKinds = map[string]apperrors.Kind{
	"invalidQuery":                apperrors.KindSyntax,
	"invalid":                     apperrors.KindSyntax,
	"accessDenied":                apperrors.KindPermission,
	"notFound":                    apperrors.KindNotFound,
	"rateLimitExceeded":           apperrors.KindRateLimited,
	"quotaExceeded":               apperrors.KindRateLimited,
	"jobRateLimitExceeded":        apperrors.KindRateLimited,
	"responseTooLarge":            apperrors.KindSyntax,
	"timeout":                     apperrors.KindTimeout,
	"stopped":                     apperrors.KindCancelled,
	"backendError":                apperrors.KindConnectionLost,
	"internalError":               apperrors.KindConnectionLost,
	"jobBackendError":             apperrors.KindConnectionLost,
	"jobInternalError":            apperrors.KindConnectionLost,
	"authError":                   apperrors.KindAuth,
	"billingNotEnabled":           apperrors.KindPermission,
	"tableUnavailable":            apperrors.KindConnectionLost,
	"resourcesExceeded":           apperrors.KindRateLimited,
	"resourceInUse":               apperrors.KindRateLimited,
	"duplicate":                   apperrors.KindSyntax,
	"invalidUser":                 apperrors.KindAuth,
	"notImplemented":              apperrors.KindSyntax,
	"proxyAuthenticationRequired": apperrors.KindAuth,
}

// ClassifyError maps API and job errors by reason, then by HTTP status.
// Rate limit errors carry the Retry-After hint when the API sends one.
func (a *Adapter) ClassifyError(err error) *apperrors.Error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		kind, ok := kindForAPIError(apiErr)
		if !ok {
			return nil
		}
		classified := apperrors.Wrap(kind, "", err).WithCode(strconv.Itoa(apiErr.Code))
		if kind == apperrors.KindRateLimited {
			classified.RetryAfter = retryAfter(apiErr)
		}
		return classified
	}

	var jobErr *bigquery.Error
	if errors.As(err, &jobErr) {
		if kind, ok := reasonKinds[jobErr.Reason]; ok {
			return apperrors.Wrap(kind, "", err).WithCode(jobErr.Reason)
		}
	}
	return nil
}

func kindForAPIError(e *googleapi.Error) (apperrors.Kind, bool) {
	for _, item := range e.Errors {
		if kind, ok := reasonKinds[item.Reason]; ok {
			return kind, true
		}
	}
	switch {
	case e.Code == 401:
		return apperrors.KindAuth, true
	case e.Code == 403:
		return apperrors.KindPermission, true
	case e.Code == 404:
		return apperrors.KindNotFound, true
	case e.Code == 429:
		return apperrors.KindRateLimited, true
	case e.Code == 400:
		return apperrors.KindSyntax, true
	case e.Code >= 500:
		return apperrors.KindConnectionLost, true
	}
	return "", false
}

func retryAfter(e *googleapi.Error) time.Duration {
	if e.Header == nil {
		return 0
	}
	v := e.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
