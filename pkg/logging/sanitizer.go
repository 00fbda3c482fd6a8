package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a query to log
	MaxQueryLogLength = 100
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// key=value secrets in DSNs and driver messages (postgres, sqlserver, snowflake, azure)
	secretParamPattern = regexp.MustCompile(`(?i)(password|pwd|pass|client[_ ]secret|token|access_token|private_key_passphrase)=[^;&\s]+`)

	// Bearer tokens and bare JWTs
	jwtPattern     = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)
	bareJWTPattern = regexp.MustCompile(`eyJ[A-Za-z0-9-_]{8,}\.[A-Za-z0-9-_]{8,}\.[A-Za-z0-9-_]*`)

	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)

	// user:pass@host
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s?]+`)

	// Google service account JSON fragments
	privateKeyPattern = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
	jsonSecretPattern = regexp.MustCompile(`(?i)"(private_key|private_key_id|client_secret|refresh_token|access_token)"\s*:\s*"[^"]*"`)
)

// SanitizeConnectionString removes credentials from a DSN or connection URL.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := secretParamPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Every error from a driver passes through here before it is logged or returned.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeText applies every redaction pattern to free text.
func SanitizeText(s string) string {
	sanitized := privateKeyPattern.ReplaceAllString(s, RedactedText)
	sanitized = jsonSecretPattern.ReplaceAllString(sanitized, `"${1}":"`+RedactedText+`"`)
	sanitized = secretParamPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = bareJWTPattern.ReplaceAllString(sanitized, RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeQuery truncates and sanitizes a SQL query for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	sanitized := TruncateString(query, MaxQueryLogLength)
	sanitized = secretParamPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
