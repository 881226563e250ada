package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "printwatch"

// Redacted replaces the value of any attribute whose key names a secret.
const Redacted = "[redacted]"

// secretKeys are attribute keys whose values never reach the output. Printer
// access codes, cloud tokens and Pushover keys all travel through the same
// structs that get logged while debugging a connection.
var secretKeys = map[string]struct{}{
	"access_code":   {},
	"password":      {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"tfa_key":       {},
	"user_key":      {},
	"app_token":     {},
	"authorization": {},
}

// Logger is a slog.Logger carrying the service attributes.
//
// Thread Safety: all methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds the process logger from the logging section.
//
// Parameters:
//   - cfg: level (debug, info, warn, error), format (json, text) and output
//     (stdout, stderr)
//   - version: build version added to every entry
//
// Returns:
//   - *Logger: ready for use; unknown values fall back to info, json, stdout
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newWithWriter(cfg, version, out)
}

func newWithWriter(cfg config.LoggingConfig, version string, out io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}

	h = h.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h)}
}

// redact masks secret attributes, including ones nested in groups.
func redact(_ []string, a slog.Attr) slog.Attr {
	if _, secret := secretKeys[strings.ToLower(a.Key)]; secret && !a.Value.Equal(slog.StringValue("")) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// parseLevel maps a config level name to slog. Unknown names mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child logger with extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged with a component name, for example
// "supervisor" or "dispatch".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Printer returns a child logger tagged with one printer's ID and title.
func (l *Logger) Printer(p config.PrinterConfig) *Logger {
	return l.With("printer_id", p.ID, "printer", p.DisplayTitle())
}

// Default is the logger used before configuration is loaded: JSON on stdout
// at info level.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that drops every entry. Intended for tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
