// Package logging provides structured logging for PrintWatch on top of
// log/slog.
//
// Every entry carries the service name and build version. Components take a
// child logger from Component, and per-printer code can add the printer ID
// and title with Printer.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Attributes named after credentials (access_code, password, token,
// refresh_token and similar) are replaced with "[redacted]" before they are
// written, so a connection struct logged while debugging cannot leak a
// printer access code or a cloud token.
package logging
