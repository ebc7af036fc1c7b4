package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance backed by zerolog
type Logger struct {
	mu    sync.RWMutex
	level LogLevel
	zl    zerolog.Logger
}

// New creates a new Logger instance writing JSON lines to stdout at the specified level
func New(level string) *Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter creates a Logger that writes to w, used by tests to capture output
func NewWithWriter(w io.Writer, level string) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return &Logger{
		level: ParseLogLevel(level),
		zl:    zerolog.New(w).With().Timestamp().Str("service", "kptv-broker").Logger(),
	}
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// Configure replaces the output and level of the package-level logger
func Configure(w io.Writer, level string) {
	l := getDefaultLogger()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
	l.zl = zerolog.New(w).With().Timestamp().Str("service", "kptv-broker").Logger()
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns current log level as string (package-level)
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.level {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// event returns a zerolog event for the level, or nil when the level is filtered out
func (l *Logger) event(level LogLevel) *zerolog.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if level < l.level {
		return nil
	}
	switch level {
	case DEBUG:
		return l.zl.Debug()
	case INFO:
		return l.zl.Info()
	case WARN:
		return l.zl.Warn()
	default:
		return l.zl.Error()
	}
}

// logMessage splits the "{pkg - Func}" prefix into a component field and emits the event
func logMessage(ev *zerolog.Event, format string, v ...interface{}) {
	if ev == nil {
		return
	}
	if strings.HasPrefix(format, "{") {
		if end := strings.Index(format, "}"); end > 0 {
			ev = ev.Str("component", format[1:end])
			format = strings.TrimSpace(format[end+1:])
		}
	}
	ev.Msgf(format, v...)
}

// Instance methods (for use with struct fields like s.logger.Info())

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	logMessage(l.event(DEBUG), format, v...)
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	logMessage(l.event(INFO), format, v...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	logMessage(l.event(WARN), format, v...)
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	logMessage(l.event(ERROR), format, v...)
}

// Package-level functions (for direct use like logger.Info())

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}
