// Package logx provides structured logging for the sbta engine and daemon
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured JSON logging with key/value pairs
type Logger struct {
	level  LogLevel
	base   *logrus.Logger
	fields logrus.Fields
}

// New creates a new structured logger writing JSON lines to stdout
func New(levelStr string) *Logger {
	level := parseLevel(levelStr)

	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	base.SetLevel(toLogrus(level))

	return &Logger{
		level:  level,
		base:   base,
		fields: logrus.Fields{},
	}
}

// Discard returns a logger that drops everything, handy for tests
func Discard() *Logger {
	l := New("error")
	l.base.SetOutput(io.Discard)
	return l
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// With returns a child logger that always carries the given key/value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	fields := make(logrus.Fields, len(l.fields)+len(keysAndValues)/2)
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range pairs(keysAndValues) {
		fields[k] = v
	}
	return &Logger{level: l.level, base: l.base, fields: fields}
}

// Level returns the configured level
func (l *Logger) Level() LogLevel {
	return l.level
}

// parseLevel converts string to LogLevel
func parseLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) String() string {
	return levelString(l)
}

// levelString converts LogLevel to string
func levelString(level LogLevel) string {
	switch level {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// pairs folds a variadic key/value list into fields. A dangling key is kept
// with a nil value so it still shows up in the output.
func pairs(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			value := keysAndValues[i+1]
			if err, ok := value.(error); ok {
				value = err.Error()
			}
			fields[key] = value
		} else {
			fields[key] = nil
		}
	}
	return fields
}

func (l *Logger) entry(keysAndValues []interface{}) *logrus.Entry {
	e := l.base.WithFields(l.fields)
	if len(keysAndValues) > 0 {
		e = e.WithFields(pairs(keysAndValues))
	}
	return e
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	if l.level > DebugLevel {
		return
	}
	l.entry(keysAndValues).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	if l.level > InfoLevel {
		return
	}
	l.entry(keysAndValues).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	if l.level > WarnLevel {
		return
	}
	l.entry(keysAndValues).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}
