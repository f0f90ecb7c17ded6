// Package logging provides the leveled logger shared by every component.
// Output is produced by zerolog, either as JSON lines (ts, level, msg) or as
// plain text lines of the form "2006-01-02 15:04:05 [INFO] message".
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const textTimeFormat = "2006-01-02 15:04:05"

// String returns the upper-case level name.
func (l Level) String() string {
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

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel parses a level name. Matching is case-insensitive; surrounding
// whitespace is not accepted.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
}

var (
	mu     sync.RWMutex
	level  = LevelInfo
	format = "text"
	out    io.Writer = os.Stderr
	logger zerolog.Logger
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"
	rebuild()
}

// rebuild recreates the zerolog logger. Caller must hold mu.
func rebuild() {
	w := out
	if format != "json" {
		w = zerolog.ConsoleWriter{
			Out:         out,
			NoColor:     true,
			TimeFormat:  textTimeFormat,
			FormatLevel: formatLevel,
		}
	}
	logger = zerolog.New(w).With().Timestamp().Logger()
}

func formatLevel(i interface{}) string {
	if s, ok := i.(string); ok {
		return "[" + strings.ToUpper(s) + "]"
	}
	return "[???]"
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// SetFormat selects "json" or "text" output. Anything else means text.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	format = strings.ToLower(f)
	rebuild()
}

// SetOutput redirects log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
	rebuild()
}

// AddFileOutput tees log output into the file at path, appending to it.
// The returned closer stops nothing by itself; callers close it on exit.
func AddFileOutput(path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	out = io.MultiWriter(out, f)
	rebuild()
	return f, nil
}

// Logger returns the underlying zerolog logger, for adapters that need one
// (SQL statement logging).
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// IsDebug reports whether debug output is enabled.
func IsDebug() bool {
	return GetLevel() <= LevelDebug
}

func logf(l Level, msg string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if l < level {
		return
	}
	logger.WithLevel(l.zerolog()).Msgf(msg, args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...interface{}) { logf(LevelDebug, msg, args...) }

// Info logs at info level.
func Info(msg string, args ...interface{}) { logf(LevelInfo, msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...interface{}) { logf(LevelWarn, msg, args...) }

// Error logs at error level.
func Error(msg string, args ...interface{}) { logf(LevelError, msg, args...) }
