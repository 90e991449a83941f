// Package logging provides leveled logging for the block migration core,
// backed by logrus the way every mendersoftware/mender package logs.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger wraps a logrus.Logger with the fixed four-level API the core
// uses everywhere (Debug/Info/Warn/Error, each with a Printf-style and a
// structured-fields variant).
type Logger struct {
	entry *logrus.Logger
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(config.Level.toLogrus())
	return &Logger{entry: l}
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Fields attaches structured key/value context to a subsequent log call.
type Fields = logrus.Fields

func (l *Logger) WithFields(f Fields) *logrus.Entry {
	return l.entry.WithFields(f)
}

func (l *Logger) Debug(msg string, f ...Fields) { l.log(logrus.DebugLevel, msg, f...) }
func (l *Logger) Info(msg string, f ...Fields)  { l.log(logrus.InfoLevel, msg, f...) }
func (l *Logger) Warn(msg string, f ...Fields)  { l.log(logrus.WarnLevel, msg, f...) }
func (l *Logger) Error(msg string, f ...Fields) { l.log(logrus.ErrorLevel, msg, f...) }

func (l *Logger) log(level logrus.Level, msg string, f ...Fields) {
	if len(f) > 0 {
		l.entry.WithFields(f[0]).Log(level, msg)
		return
	}
	l.entry.Log(level, msg)
}

// Printf-style logging, kept for call sites that don't need structured
// fields.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Global convenience functions, mirroring the teacher's package-level
// Debug/Info/Warn/Error helpers.
func Debug(msg string, f ...Fields) { Default().Debug(msg, f...) }
func Info(msg string, f ...Fields)  { Default().Info(msg, f...) }
func Warn(msg string, f ...Fields)  { Default().Warn(msg, f...) }
func Error(msg string, f ...Fields) { Default().Error(msg, f...) }
