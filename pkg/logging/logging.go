package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy the fmt.Stringer interface.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo // Default to INFO for unknown
	}
}

// ParseLevel converts a user supplied level name. Unknown names return an error
// and LevelInfo.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
)

// Init installs a text handler writing to output at the given level.
// This should be called once at application startup.
func Init(level LogLevel, output io.Writer, json bool) {
	opts := &slog.HandlerOptions{
		Level: level.SlogLevel(),
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	l := slog.New(handler)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// InitForCLI initializes the logging system for interactive commands.
func InitForCLI(filterLevel LogLevel, output io.Writer) {
	Init(filterLevel, output, false)
}

// InitForMCP initializes logging for the stdio MCP server. stdout carries the
// protocol, so logs always go to stderr.
func InitForMCP(filterLevel LogLevel, json bool) {
	Init(filterLevel, os.Stderr, json)
}

func logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	l := logger()
	if l == nil {
		return
	}
	if !l.Enabled(context.Background(), level.SlogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}

	var slogAttrs []slog.Attr
	slogAttrs = append(slogAttrs, slog.String("subsystem", subsystem))
	if err != nil {
		slogAttrs = append(slogAttrs, slog.String("error", err.Error()))
	}

	l.LogAttrs(context.Background(), level.SlogLevel(), msg, slogAttrs...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}

// AuditEvent describes a security relevant action on tenant credentials.
// It must never carry token material.
type AuditEvent struct {
	// Event is the machine readable event name, e.g. "token_refreshed".
	Event string
	// Message is the human readable summary.
	Message string
	Tenant  string
	Err     error
	// Attrs carries extra non-secret attributes.
	Attrs []slog.Attr
}

// Audit logs a security event. Failures are logged at WARN, the rest at INFO.
func Audit(event AuditEvent) {
	l := logger()
	if l == nil {
		return
	}

	level := slog.LevelInfo
	attrs := []slog.Attr{slog.String("event", event.Event)}
	if event.Tenant != "" {
		attrs = append(attrs, slog.String("tenant", event.Tenant))
	}
	if event.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}
	attrs = append(attrs, event.Attrs...)

	l.LogAttrs(context.Background(), level, "SECURITY_AUDIT: "+event.Message, attrs...)
}

// RedactToken returns a fixed-width hint for a secret, safe to log.
func RedactToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("<redacted:%d>", len(token))
}
