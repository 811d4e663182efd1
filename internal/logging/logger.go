package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract.
//
// Subsystems depend on this interface rather than a concrete logger so tests
// can inject a nop or recording implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Config configures the process-wide structured logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

type slogLogger struct {
	logger *slog.Logger
}

// New creates a slog-backed logger from config.
func New(config Config) Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &slogLogger{logger: slog.New(handler)}
}

func (l *slogLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = New(Config{})
)

// SetDefault replaces the process-wide logger used by NewComponentLogger.
func SetDefault(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = OrNop(logger)
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) emit(level string, format string, args ...any) {
	defaultMu.RLock()
	base := defaultLogger
	defaultMu.RUnlock()

	msg := "[" + l.component + "] " + format
	switch level {
	case "debug":
		base.Debug(msg, args...)
	case "warn":
		base.Warn(msg, args...)
	case "error":
		base.Error(msg, args...)
	default:
		base.Info(msg, args...)
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.emit("debug", format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.emit("info", format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.emit("warn", format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.emit("error", format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
