package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is a logging severity. Entries below the configured level are
// dropped before any formatting work happens.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSilent // Drops everything. Used on endpoints that share a serial console.
)

// String returns the level name.
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
	case LevelSilent:
		return "SILENT"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configuration string to a Level. Unrecognized values
// fall back to info rather than failing startup.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "SILENT", "OFF", "NONE":
		return LevelSilent
	default:
		return LevelInfo
	}
}

// Fields carries structured context on a log entry: role, suite, epoch,
// session identifier prefixes and the like. Values must be JSON-encodable.
type Fields map[string]interface{}

// Format selects how entries are rendered.
type Format int

const (
	FormatText Format = iota // Operator consoles.
	FormatJSON               // Shipping to a log aggregator.
)

// Logger writes leveled, structured entries. Both tunnel roles log through
// the same logger type; the role lives in the default fields, not in the
// logger name.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	level    Level
	format   Format
	fields   Fields
	name     string
	color    bool
	timeFunc func() time.Time
}

// LoggerOption configures a logger.
type LoggerOption func(*Logger)

// WithOutput sets the destination writer.
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) {
		l.out = w
	}
}

// WithLevel sets the minimum severity that is written.
func WithLevel(level Level) LoggerOption {
	return func(l *Logger) {
		l.level = level
	}
}

// WithFormat sets the output format.
func WithFormat(format Format) LoggerOption {
	return func(l *Logger) {
		l.format = format
	}
}

// WithFields sets fields attached to every entry.
func WithFields(fields Fields) LoggerOption {
	return func(l *Logger) {
		l.fields = fields
	}
}

// WithName sets the logger name, printed in brackets in text output and
// carried as the "logger" key in JSON.
func WithName(name string) LoggerOption {
	return func(l *Logger) {
		l.name = name
	}
}

// WithColor toggles ANSI level coloring in text output. Turn it off when
// the destination is a file or a journal.
func WithColor(enabled bool) LoggerOption {
	return func(l *Logger) {
		l.color = enabled
	}
}

// NewLogger builds a logger. Defaults: stderr, info level, colored text.
// Logs go to stderr so the status output of the command surface stays
// parseable on stdout.
func NewLogger(opts ...LoggerOption) *Logger {
	l := &Logger{
		out:      os.Stderr,
		level:    LevelInfo,
		format:   FormatText,
		fields:   make(Fields),
		color:    true,
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// With returns a child logger carrying extra default fields. The receiver
// is not modified.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		out:      l.out,
		level:    l.level,
		format:   l.format,
		fields:   merged,
		name:     l.name,
		color:    l.color,
		timeFunc: l.timeFunc,
	}
}

// Named returns a child logger with a dotted sub-name, so the dataplane,
// control plane and handshake paths can be told apart in mixed output.
func (l *Logger) Named(name string) *Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &Logger{
		out:      l.out,
		level:    l.level,
		format:   l.format,
		fields:   l.fields,
		name:     full,
		color:    l.color,
		timeFunc: l.timeFunc,
	}
}

// SetLevel changes the minimum severity at runtime.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, extra ...Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range extra {
		for k, v := range f {
			merged[k] = v
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == FormatJSON {
		l.writeJSON(level, msg, merged)
	} else {
		l.writeText(level, msg, merged)
	}
}

func (l *Logger) writeJSON(level Level, msg string, fields Fields) {
	entry := make(map[string]interface{}, len(fields)+4)
	entry["time"] = l.timeFunc().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg
	if l.name != "" {
		entry["logger"] = l.name
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// A field that cannot marshal must not drop the entry silently.
		fmt.Fprintf(l.out, "LOG_ERROR: %v\n", err)
		return
	}
	l.out.Write(data)
	l.out.Write([]byte{'\n'})
}

func (l *Logger) writeText(level Level, msg string, fields Fields) {
	var b strings.Builder

	b.WriteString(l.timeFunc().Format("15:04:05.000"))
	b.WriteString(" ")

	if l.color {
		b.WriteString(levelColor(level))
	}
	b.WriteString(fmt.Sprintf("%-5s", level.String()))
	if l.color {
		b.WriteString(colorReset)
	}
	b.WriteString(" ")

	if l.name != "" {
		b.WriteString("[")
		b.WriteString(l.name)
		b.WriteString("] ")
	}

	b.WriteString(msg)

	if len(fields) > 0 {
		b.WriteString(" ")
		b.WriteString(formatFields(fields))
	}

	b.WriteString("\n")
	l.out.Write([]byte(b.String()))
}

// formatFields renders fields as key=value pairs in key order, so repeated
// entries diff cleanly in captured logs.
func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

func levelColor(level Level) string {
	switch level {
	case LevelDebug:
		return colorGray
	case LevelInfo:
		return colorBlue
	case LevelWarn:
		return colorYellow
	case LevelError:
		return colorRed
	default:
		return ""
	}
}

var (
	globalLogger   *Logger
	globalLoggerMu sync.RWMutex
)

func init() {
	globalLogger = NewLogger()
}

// SetLogger replaces the process-wide logger. The run command installs the
// configured logger here before the proxy starts.
func SetLogger(l *Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// Debug logs at debug level using the process-wide logger.
func Debug(msg string, fields ...Fields) {
	GetLogger().Debug(msg, fields...)
}

// Info logs at info level using the process-wide logger.
func Info(msg string, fields ...Fields) {
	GetLogger().Info(msg, fields...)
}

// Warn logs at warn level using the process-wide logger.
func Warn(msg string, fields ...Fields) {
	GetLogger().Warn(msg, fields...)
}

// Error logs at error level using the process-wide logger.
func Error(msg string, fields ...Fields) {
	GetLogger().Error(msg, fields...)
}

// NullLogger returns a logger that discards everything. Tests that exercise
// failure paths use it to keep expected errors out of test output.
func NullLogger() *Logger {
	return NewLogger(WithLevel(LevelSilent))
}

// TestLogger returns a debug-level text logger writing to w, without color
// so captured output stays grep-friendly.
func TestLogger(w io.Writer) *Logger {
	return NewLogger(
		WithOutput(w),
		WithLevel(LevelDebug),
		WithFormat(FormatText),
		WithColor(false),
	)
}

// ProductionLogger returns an info-level JSON logger writing to w, the
// shape a fleet log pipeline expects.
func ProductionLogger(w io.Writer) *Logger {
	return NewLogger(
		WithOutput(w),
		WithLevel(LevelInfo),
		WithFormat(FormatJSON),
		WithColor(false),
	)
}
