package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-datasource/pkg/logging"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnsupportedDialect  = errors.New("unsupported dialect")
	ErrPoolExhausted       = errors.New("connection pool exhausted")
	ErrManagerClosed       = errors.New("connection manager closed")
	ErrHandleDiscarded     = errors.New("connection handle discarded")
	ErrCredentialsRejected = errors.New("credentials rejected after refresh")
)

// Kind is the dialect-independent failure category surfaced to callers.
type Kind string

const (
	KindSyntax         Kind = "syntax"
	KindPermission     Kind = "permission"
	KindNotFound       Kind = "not_found"
	KindTimeout        Kind = "timeout"
	KindConnectionLost Kind = "connection_lost"
	KindRateLimited    Kind = "rate_limited"
	KindUnknown        Kind = "unknown"
	KindCancelled      Kind = "cancelled"
	KindConfig         Kind = "config"
	KindAuth           Kind = "auth"
	KindPoolExhausted  Kind = "pool_exhausted"
)

// Error is a classified data source failure. UserMessage is always redacted
// and safe to show to end users or feed to an AI agent.
type Error struct {
	Kind        Kind
	Dialect     string
	Code        string // driver-native code: SQLSTATE, error number, HTTP reason
	UserMessage string
	Retryable   bool
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	if e.Dialect != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Dialect, e.UserMessage)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the same request may succeed on a fresh connection.
// Satisfies the interface consulted by retry.IsRetryable.
func (e *Error) IsRetryable() bool { return e.Retryable }

// Redacted returns a copy whose message and wrapped error no longer contain
// any of the given secret values. The wrapped error is replaced by its
// scrubbed text, so driver types are no longer reachable through Unwrap.
func (e *Error) Redacted(secrets []string) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.UserMessage = RedactValues(e.UserMessage, secrets)
	if e.Err != nil {
		out.Err = errors.New(RedactValues(logging.SanitizeError(e.Err), secrets))
	}
	return &out
}

// New builds a classified error from a plain message.
func New(kind Kind, dialect, message string) *Error {
	return &Error{
		Kind:        kind,
		Dialect:     dialect,
		UserMessage: message,
		Retryable:   defaultRetryable(kind),
	}
}

// Wrap classifies err under kind. The user message is the sanitized driver text.
func Wrap(kind Kind, dialect string, err error) *Error {
	return &Error{
		Kind:        kind,
		Dialect:     dialect,
		UserMessage: logging.SanitizeError(err),
		Retryable:   defaultRetryable(kind),
		Err:         err,
	}
}

// WithCode sets the driver-native code and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindConnectionLost, KindPoolExhausted:
		return true
	}
	return false
}

// KindOf returns the kind of a classified error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// RedactValues replaces every literal occurrence of the given secrets.
// Values shorter than four characters are skipped to avoid mangling messages.
func RedactValues(msg string, secrets []string) string {
	for _, s := range secrets {
		if len(s) < 4 {
			continue
		}
		msg = strings.ReplaceAll(msg, s, logging.RedactedText)
	}
	return msg
}
