// Package telemetry builds the structured loggers used by the service and
// the client.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/aixterm/internal/paths"
	"github.com/basket/aixterm/internal/shared"
)

// NewServiceLogger opens <home>/logs/service.jsonl for append and returns a
// JSON logger writing to it. When mirror is non-nil every record is also
// written there. The logger carries no component; callers add their own.
func NewServiceLogger(p paths.RuntimePaths, level string, mirror io.Writer) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(p.LogDir, 0o700); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(p.ServiceLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if mirror != nil {
		w = io.MultiWriter(mirror, file)
	}
	return slog.New(newHandler(w, level)), file, nil
}

// NewClientLogger returns a logger for the short-lived client. Records go to
// w (normally stderr) and default to warn level so command output stays clean.
func NewClientLogger(level string, w io.Writer) *slog.Logger {
	if strings.TrimSpace(level) == "" {
		level = "warn"
	}
	return slog.New(newHandler(w, level)).With("component", "client")
}

// WithRequest annotates logger with the request and connection ids carried
// by ctx.
func WithRequest(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With("request_id", shared.RequestID(ctx), "conn_id", shared.ConnID(ctx))
}

func newHandler(w io.Writer, level string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
