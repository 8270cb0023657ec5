// Package logging wraps logrus with the small surface the runtime needs:
// leveled, structured entries with contextual fields carried by value.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields is an alias for logrus.Fields so callers don't import logrus directly.
type Fields = logrus.Fields

// Logger is a thin wrapper around a logrus entry. Copies are cheap; the
// With* methods return derived loggers that carry their fields forward.
type Logger struct {
	entry *logrus.Entry
}

// Options configures a root logger.
type Options struct {
	Level  string // debug, info, warn, error (default info)
	Format string // json or text (default json)
	Output io.Writer
}

// New creates a root logger tagged with a component name.
func New(component string, opts Options) *Logger {
	base := logrus.New()

	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}

	if strings.EqualFold(opts.Format, "text") {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{entry: base.WithField("component", component)}
}

// Default returns a JSON logger at info level writing to stdout.
func Default(component string) *Logger {
	return New(component, Options{})
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

// WithField returns a derived logger carrying an extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived logger carrying extra fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithError returns a derived logger carrying the error under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string) { l.entry.Debug(msg) }

// Info logs a message at info level.
func (l *Logger) Info(msg string) { l.entry.Info(msg) }

// Warn logs a message at warning level.
func (l *Logger) Warn(msg string) { l.entry.Warn(msg) }

// Error logs a message at error level.
func (l *Logger) Error(msg string) { l.entry.Error(msg) }
