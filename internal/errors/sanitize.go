// Package errors turns internal errors into messages that are safe to
// return to API clients.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|database:|clickhouse|code: \d+|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// userFacing are message fragments that are always safe to pass through.
var userFacing = []string{
	"invalid security event",
	"requires ip_address or user_id",
	"invalid report range",
	"invalid request",
	"not found",
}

// Sanitizer strips internal detail from error text. In development mode
// errors pass through unchanged.
type Sanitizer struct {
	Production bool
}

// New returns a Sanitizer for the given mode.
func New(production bool) *Sanitizer {
	return &Sanitizer{Production: production}
}

// Error returns a sanitized copy of err.
func (s *Sanitizer) Error(err error) error {
	if err == nil {
		return nil
	}
	if !s.Production {
		return err
	}
	return errors.New(s.String(err.Error()))
}

// Wrap adds context to err and sanitizes the result.
func (s *Sanitizer) Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return s.Error(fmt.Errorf("%s: %w", message, err))
}

// String removes paths, full addresses, store internals and stack traces
// from msg.
func (s *Sanitizer) String(msg string) string {
	if !s.Production {
		return msg
	}

	msg = filePathPattern.ReplaceAllStringFunc(msg, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets for context.
	msg = ipPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})

	if internalErrorPattern.MatchString(msg) {
		msg = "storage operation failed"
	}

	if strings.Contains(msg, "goroutine") || strings.Count(msg, "\n") > 3 {
		msg = "internal server error - operation failed"
	}
	return msg
}

// Message returns a client-safe message: known user-facing errors pass
// through, everything else is sanitized.
func (s *Sanitizer) Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.Contains(lower, safe) {
			return msg
		}
	}
	return s.String(msg)
}
