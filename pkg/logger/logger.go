// Package logger provides a small structured logger used across the
// scheduler daemon and its worker processes. It wraps the standard
// library log.Logger with leveled output and chainable fields so that
// call sites can attach context (job id, component, mode) without
// pulling in a third-party logging framework.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel controls which messages are emitted.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a textual level (case-insensitive, with WARNING as
// an alias for WARN and CRITICAL mapped to ERROR) into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR", "CRITICAL":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// Config controls how a Logger is constructed.
type Config struct {
	Level  LogLevel
	Output io.Writer
	Format string
	Mode   string
}

// Logger is a leveled logger that carries an immutable set of fields and
// an optional "mode" tag. Methods that add context (WithField, WithFields,
// WithMode) return a new Logger rather than mutating the receiver, so a
// base logger can be safely shared and specialized per component.
type Logger struct {
	std    *log.Logger
	level  LogLevel
	fields map[string]interface{}
	mode   string
}

// New returns a Logger at INFO level writing to stderr.
func New() *Logger {
	return NewWithConfig(Config{Level: INFO, Output: os.Stderr})
}

// NewWithConfig returns a Logger configured per cfg.
func NewWithConfig(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		std:    log.New(out, "", 0),
		level:  cfg.Level,
		mode:   cfg.Mode,
		fields: make(map[string]interface{}),
	}
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{std: l.std, level: l.level, fields: fields, mode: l.mode}
}

// WithField returns a copy of the logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	n := l.clone()
	n.fields[key] = value
	return n
}

// WithFields returns a copy of the logger with the given key/value pairs
// merged in. keyVals is a key, value, ... sequence; a trailing key with no
// paired value is dropped.
func (l *Logger) WithFields(keyVals ...interface{}) *Logger {
	n := l.clone()
	for i := 0; i+1 < len(keyVals); i += 2 {
		key, ok := keyVals[i].(string)
		if !ok {
			continue
		}
		n.fields[key] = keyVals[i+1]
	}
	return n
}

// With is an alias of WithFields kept for call sites that prefer the
// shorter spelling.
func (l *Logger) With(keyVals ...interface{}) *Logger {
	return l.WithFields(keyVals...)
}

// WithMode returns a copy of the logger tagged with mode, printed between
// the level and the message, e.g. "[INFO] [wrapper] message".
func (l *Logger) WithMode(mode string) *Logger {
	n := l.clone()
	n.mode = mode
	return n
}

// SetMode changes the mode tag of this logger in place.
func (l *Logger) SetMode(mode string) { l.mode = mode }

// GetMode returns the logger's current mode tag.
func (l *Logger) GetMode() string { return l.mode }

// SetLevel changes the minimum level emitted by this logger.
func (l *Logger) SetLevel(level LogLevel) { l.level = level }

// GetLevel returns the logger's current minimum level.
func (l *Logger) GetLevel() LogLevel { return l.level }

// IsDebugEnabled reports whether DEBUG-level messages would be emitted.
func (l *Logger) IsDebugEnabled() bool { return l.level <= DEBUG }

// IsInfoEnabled reports whether INFO-level messages would be emitted.
func (l *Logger) IsInfoEnabled() bool { return l.level <= INFO }

func (l *Logger) enabled(level LogLevel) bool { return level >= l.level }

func (l *Logger) log(level LogLevel, msg string, keyVals ...interface{}) {
	if !l.enabled(level) {
		return
	}
	l.std.Print(formatLogLine(level, l.mode, msg, l.fields, keyVals))
}

func formatLogLine(level LogLevel, mode, msg string, fields map[string]interface{}, keyVals []interface{}) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString("] [")
	b.WriteString(level.String())
	b.WriteString("]")
	if mode != "" {
		b.WriteString(" [")
		b.WriteString(mode)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(formatValue(fields[k]))
	}
	for i := 0; i+1 < len(keyVals); i += 2 {
		key, ok := keyVals[i].(string)
		if !ok {
			continue
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(formatValue(keyVals[i+1]))
	}
	return b.String()
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case error:
		return quoteIfSpaced(val.Error())
	case time.Duration:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case string:
		return quoteIfSpaced(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func quoteIfSpaced(s string) string {
	if strings.ContainsAny(s, " \t\n") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func (l *Logger) Debug(msg string, keyVals ...interface{}) { l.log(DEBUG, msg, keyVals...) }
func (l *Logger) Info(msg string, keyVals ...interface{})  { l.log(INFO, msg, keyVals...) }
func (l *Logger) Warn(msg string, keyVals ...interface{})  { l.log(WARN, msg, keyVals...) }
func (l *Logger) Error(msg string, keyVals ...interface{}) { l.log(ERROR, msg, keyVals...) }

func (l *Logger) Fatal(msg string, keyVals ...interface{}) {
	l.log(ERROR, msg, keyVals...)
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
	os.Exit(1)
}

var global = New()

func SetGlobalMode(mode string)                  { global = global.WithMode(mode) }
func SetLevel(level LogLevel)                    { global.SetLevel(level) }
func GetLevel() LogLevel                         { return global.GetLevel() }
func WithField(k string, v interface{}) *Logger  { return global.WithField(k, v) }
func WithFields(kv ...interface{}) *Logger       { return global.WithFields(kv...) }
func WithMode(mode string) *Logger               { return global.WithMode(mode) }
func Debug(msg string, kv ...interface{})        { global.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})         { global.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})         { global.Warn(msg, kv...) }
func Error(msg string, kv ...interface{})        { global.Error(msg, kv...) }
func Fatal(msg string, kv ...interface{})        { global.Fatal(msg, kv...) }
func Fatalf(format string, args ...interface{})  { global.Fatalf(format, args...) }
