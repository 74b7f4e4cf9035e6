package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger used by the engine and the CLI.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = newLogger(os.Stderr, "console")
}

// Setup configures the global logger. Level is one of DEBUG, INFO, WARN or ERROR
// (case-insensitive, INFO when unknown); format is "json" or "console".
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = newLogger(w, format)
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newLogger(w io.Writer, format string) *Logger {
	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// With returns a child logger tagging every event with the component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	emit(l.z.Info(), msg, args...)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	emit(l.z.Debug(), msg, args...)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	emit(l.z.Warn(), msg, args...)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	emit(l.z.Error(), msg, args...)
}

func emit(e *zerolog.Event, msg string, args ...interface{}) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e.AnErr(key, v)
		case time.Duration:
			e.Dur(key, v)
		default:
			e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
