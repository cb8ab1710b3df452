package logging

import (
	"regexp"
	"strings"
)

// Document fields whose values never reach the logs.
var sensitiveFields = []string{
	"text",
	"body",
	"password",
	"secret",
	"token",
	"email",
	"credential",
	"api_key",
	"apikey",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._-]{20,})`),
	regexp.MustCompile(`(?i)(key|token|secret|password|auth)[=:]["']?([a-zA-Z0-9+/=_-]{32,})["']?`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces secret-looking substrings in s.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// RedactFields returns a copy of document fields that is safe to log.
// Sensitive fields are replaced, strings are scrubbed, nested maps are walked.
func RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	result := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsSensitiveField(k) {
			result[k] = RedactedValue
			continue
		}
		switch typed := v.(type) {
		case map[string]any:
			result[k] = RedactFields(typed)
		case string:
			result[k] = Redact(typed)
		default:
			result[k] = v
		}
	}
	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
