package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger matches the go-logger glog contract so a glog logger can be passed directly.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that carry structured fields.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Correlation keys attached by the engine.
const (
	FieldCommand        = "command"
	FieldCascadeID      = "cascade_id"
	FieldCaseInstanceID = "case_instance_id"
	FieldPlanItemID     = "plan_item_id"
	FieldEvent          = "event"
	FieldJobID          = "job_id"
	FieldOutboxID       = "outbox_id"
	FieldTopic          = "topic"
	FieldAttempt        = "attempt"
)

// correlationOrder puts the keys that tie a line to a cascade first.
var correlationOrder = []string{
	FieldCommand,
	FieldCascadeID,
	FieldCaseInstanceID,
	FieldPlanItemID,
	FieldJobID,
	FieldOutboxID,
}

// Level filters TextLogger output.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelFatal {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// TextLogger is the fallback used when no logger is configured. Lines read
// "<time> <LEVEL> <message> key=value..." with correlation keys first.
type TextLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	min    Level
	now    func() time.Time
	fields map[string]any
}

func NewTextLogger(out io.Writer, min Level) *TextLogger {
	if out == nil {
		out = os.Stderr
	}
	return &TextLogger{mu: &sync.Mutex{}, out: out, min: min, now: time.Now}
}

func (l *TextLogger) Trace(msg string, args ...any) { l.write(LevelTrace, msg, args) }
func (l *TextLogger) Debug(msg string, args ...any) { l.write(LevelDebug, msg, args) }
func (l *TextLogger) Info(msg string, args ...any)  { l.write(LevelInfo, msg, args) }
func (l *TextLogger) Warn(msg string, args ...any)  { l.write(LevelWarn, msg, args) }
func (l *TextLogger) Error(msg string, args ...any) { l.write(LevelError, msg, args) }
func (l *TextLogger) Fatal(msg string, args ...any) { l.write(LevelFatal, msg, args) }

// WithContext is a no-op; the engine threads correlation through fields.
func (l *TextLogger) WithContext(context.Context) Logger { return l }

func (l *TextLogger) WithFields(fields map[string]any) Logger {
	cp := *l
	cp.fields = make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		cp.fields[k] = v
	}
	for k, v := range fields {
		cp.fields[k] = v
	}
	return &cp
}

func (l *TextLogger) write(level Level, msg string, args []any) {
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var b strings.Builder
	b.WriteString(l.now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s ", level)
	b.WriteString(strings.TrimSpace(msg))
	appendFields(&b, l.fields)
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, b.String())
}

func appendFields(b *strings.Builder, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	seen := make(map[string]bool, len(correlationOrder))
	for _, k := range correlationOrder {
		if v, ok := fields[k]; ok {
			fmt.Fprintf(b, " %s=%v", k, v)
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(b, " %s=%v", k, fields[k])
	}
}

type nopLogger struct{}

func (nopLogger) Trace(string, ...any)                 {}
func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (nopLogger) Fatal(string, ...any)                 {}
func (n nopLogger) WithContext(context.Context) Logger { return n }

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }

func normalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewTextLogger(nil, LevelInfo)
	}
	return logger
}

// withFields attaches fields when the logger supports them and drops them otherwise.
func withFields(logger Logger, fields map[string]any) Logger {
	logger = normalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

func withCase(logger Logger, caseID string) Logger {
	return withFields(logger, map[string]any{FieldCaseInstanceID: caseID})
}
