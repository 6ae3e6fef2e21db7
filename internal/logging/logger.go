package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configure New.
type Options struct {
	Level  string
	Format string // json or text
	Output io.Writer
	// AddSource records the call site on every entry.
	AddSource bool
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// New builds a logger whose handler masks sensitive attributes.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   opts.AddSource,
		ReplaceAttr: Redact,
	}

	var handler slog.Handler
	switch opts.Format {
	case "", "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	case "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(handler), nil
}

// Redact is a slog ReplaceAttr hook. Sensitive keys are masked and error
// values have embedded credentials removed.
func Redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if IsSensitiveField(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		if a.Key == slog.MessageKey {
			return a
		}
		if s := a.Value.String(); s != "" {
			return slog.String(a.Key, MaskSensitivePatterns(s))
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, MaskSensitivePatterns(err.Error()))
		}
	}
	return a
}
