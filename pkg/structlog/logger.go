// Package structlog provides leveled JSON logging with field sanitization.
// Session tokens and embeddings flow through the engine, so sensitive field
// names are masked before anything reaches the sink.
package structlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields is the structured payload attached to a log line.
type Fields map[string]any

// sensitiveFields are masked by name match, case-insensitive.
var sensitiveFields = []string{"password", "secret", "token", "authorization", "embedding"}

// Logger writes one JSON object per line. Safe for concurrent use.
type Logger struct {
	component string
	level     Level
	mu        sync.Mutex
	out       io.Writer
	base      Fields
}

// New creates a Logger for a component, writing to out (stdout when nil).
func New(component string, level Level, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{component: component, level: level, out: out, base: Fields{}}
}

// With returns a child logger carrying extra base fields.
func (l *Logger) With(fields Fields) *Logger {
	child := &Logger{component: l.component, level: l.level, out: l.out, base: make(Fields, len(l.base)+len(fields))}
	for k, v := range l.base {
		child.base[k] = v
	}
	for k, v := range fields {
		child.base[k] = v
	}
	return child
}

func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log(LevelError, msg, fields) }

// SecurityEvent logs a security-relevant event with a distinct marker so it
// can be routed to audit tooling.
func (l *Logger) SecurityEvent(event string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "security"
	l.log(LevelWarn, "SECURITY: "+event, fields)
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}
	entry := make(Fields, len(l.base)+len(fields)+4)
	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["component"] = l.component
	entry["message"] = msg
	sanitize(entry)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.out).Encode(entry); err != nil {
		fmt.Fprintf(os.Stderr, "structlog: encode failed: %v\n", err)
	}
}

func sanitize(entry Fields) {
	for k := range entry {
		lower := strings.ToLower(k)
		for _, pattern := range sensitiveFields {
			if strings.Contains(lower, pattern) {
				entry[k] = "MASKED"
				break
			}
		}
	}
}

// Nop returns a logger that discards everything; used as the default when a
// component is constructed without one.
func Nop() *Logger {
	return &Logger{component: "nop", level: LevelError + 1, out: io.Discard, base: Fields{}}
}
