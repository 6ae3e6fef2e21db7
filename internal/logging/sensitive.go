// Package logging builds the engine's slog loggers and keeps secrets and
// session identifiers out of log output.
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains attribute keys whose values are masked.
// Matching is case-insensitive and also applies to keys containing one of
// these names.
var SensitiveFields = map[string]bool{
	"password":          true,
	"passwd":            true,
	"secret":            true,
	"token":             true,
	"api_key":           true,
	"apikey":            true,
	"private_key":       true,
	"master_key":        true,
	"encryption_key":    true,
	"access_key":        true,
	"credentials":       true,
	"authorization":     true,
	"bearer":            true,
	"cookie":            true,
	"session_id":        true,
	"sasl_password":     true,
	"x-api-key":         true,
	"secret_access_key": true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether values logged under fieldName must be
// masked.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	if SensitiveFields[lowerField] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks value if fieldName is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskString keeps the first and last characters of s. Short strings are
// masked completely.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// SensitivePatterns match credentials embedded in free text such as error
// messages or DSNs.
var SensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
	// user:password@ in connection URLs.
	regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`),
}

// MaskSensitivePatterns masks credentials found in s.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range SensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}
