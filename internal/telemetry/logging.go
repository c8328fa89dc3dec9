// Package telemetry builds the bridge's structured logger. Approval actions
// and operator text flow through log attributes, so every string value passes
// the shared secret scrubber before it reaches disk.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/hookbridge/internal/shared"
)

const logFileName = "bridge.jsonl"

// NewLogger builds the bridge's slog logger: JSON lines appended to
// <home>/logs/bridge.jsonl, mirrored to stdout unless quiet.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return redactAttr(a)
		},
	})
	logger := slog.New(handler).With("component", "bridge", "trace_id", "-")
	return logger, file, nil
}

// redactAttr scrubs secret material from a log attribute. Key-based checks
// catch attributes that are secrets by name; the value pass catches bot
// tokens and auth headers embedded inside action text.
func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(a.Key))
	if strings.Contains(key, "authorization") || strings.Contains(key, "bearer") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if red := shared.RedactEnvValue(a.Key, v); red != v {
		return slog.String(a.Key, red)
	}
	if scrubbed, changed := scrubValue(v); changed {
		return slog.String(a.Key, scrubbed)
	}
	return a
}

// scrubValue redacts secret-bearing string values regardless of their key.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// An auth header pasted whole into action text is redacted whole.
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") {
		return "[REDACTED]", true
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
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
