package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Logger provides structured key=value logging for journald.
// It is safe for concurrent use; loggers derived with With share the writer.
type Logger struct {
	mu     *sync.Mutex
	writer io.Writer
	fields []Field
}

// New creates a new logger instance writing to stdout.
func New() *Logger {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a logger with a custom writer
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		writer: w,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard)
}

// With returns a logger that prefixes every line with the given fields.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{mu: l.mu, writer: l.writer, fields: merged}
}

// Info logs informational messages
func (l *Logger) Info(msg string, fields ...Field) {
	l.log("INFO", msg, fields...)
}

// Error logs error messages
func (l *Logger) Error(msg string, fields ...Field) {
	l.log("ERROR", msg, fields...)
}

// Warn logs warning messages
func (l *Logger) Warn(msg string, fields ...Field) {
	l.log("WARNING", msg, fields...)
}

// Debug logs debug messages
func (l *Logger) Debug(msg string, fields ...Field) {
	l.log("DEBUG", msg, fields...)
}

func (l *Logger) log(level, msg string, fields ...Field) {
	var b strings.Builder
	fmt.Fprintf(&b, "LEVEL=%s MESSAGE=%s", level, msg)
	for _, field := range l.fields {
		fmt.Fprintf(&b, " %s=%v", field.Key, field.Value)
	}
	for _, field := range fields {
		fmt.Fprintf(&b, " %s=%v", field.Key, field.Value)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintln(l.writer, b.String())
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new field (shorthand)
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Common field constructors
func Action(value string) Field   { return F("ACTION", value) }
func Status(value string) Field   { return F("STATUS", value) }
func VM(value string) Field       { return F("VM", value) }
func VMID(value string) Field     { return F("VM_ID", value) }
func Count(value int) Field       { return F("COUNT", value) }
func Error(value error) Field     { return F("ERROR", value) }
func Snapshot(value string) Field { return F("SNAPSHOT", value) }
func SnapshotID(value string) Field {
	return F("SNAPSHOT_ID", value)
}
func Host(value string) Field    { return F("HOST", value) }
func State(value any) Field      { return F("STATE", value) }
func Op(value string) Field      { return F("OPERATION", value) }
func Command(value string) Field { return F("COMMAND", value) }
func Failed(value int) Field     { return F("FAILED", value) }
func Reason(value string) Field  { return F("REASON", value) }
