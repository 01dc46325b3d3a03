package log

import (
	"fmt"
	stdlog "log"
	"os"
	"sync"
	"time"
)

// Fields is a map of field names to values.
type Fields map[string]interface{}

// Entry represents a single log entry handed to formatters and outputs.
type Entry struct {
	Level     Level
	Message   string
	Fields    Fields
	Timestamp time.Time
}

// Logger defines the logging interface for norish components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With returns a child logger carrying additional fields.
	With(fields ...Field) Logger

	// SetLevel sets the minimum log level.
	SetLevel(level Level)

	// GetLevel returns the current minimum log level.
	GetLevel() Level
}

// LoggerOption configures a BaseLogger.
type LoggerOption func(*BaseLogger)

// BaseLogger implements the Logger interface.
type BaseLogger struct {
	mu        sync.Mutex
	level     Level
	fields    []Field
	formatter Formatter
	outputs   []Output
}

// NewLogger creates a new logger with the given options.
func NewLogger(options ...LoggerOption) Logger {
	logger := &BaseLogger{
		level:     InfoLevel,
		formatter: &JSONFormatter{},
	}
	for _, option := range options {
		option(logger)
	}
	if len(logger.outputs) == 0 {
		logger.outputs = append(logger.outputs, NewConsoleOutput())
	}
	return logger
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() Logger {
	return NewLogger(WithLevel(FatalLevel+1), WithOutput(nopOutput{}))
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(l *BaseLogger) { l.level = level }
}

// WithFormatter sets the log formatter.
func WithFormatter(formatter Formatter) LoggerOption {
	return func(l *BaseLogger) { l.formatter = formatter }
}

// WithOutput adds an output to the logger.
func WithOutput(output Output) LoggerOption {
	return func(l *BaseLogger) { l.outputs = append(l.outputs, output) }
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs at fatal level and exits the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

// With returns a child logger carrying additional fields. The child shares
// formatter and outputs with its parent.
func (l *BaseLogger) With(fields ...Field) Logger {
	child := &BaseLogger{
		level:     l.level,
		formatter: l.formatter,
		outputs:   l.outputs,
	}
	child.fields = append(append([]Field{}, l.fields...), fields...)
	return child
}

// SetLevel sets the minimum log level.
func (l *BaseLogger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// GetLevel returns the current minimum log level.
func (l *BaseLogger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.GetLevel() {
		return
	}
	merged := make(Fields, len(l.fields)+len(fields))
	for _, f := range l.fields {
		merged[f.Key] = f.Value
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}
	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    merged,
		Timestamp: time.Now(),
	}
	formatted, err := l.formatter.Format(entry)
	if err != nil {
		return
	}
	for _, out := range l.outputs {
		_ = out.Write(entry, formatted)
	}
}

// Config declares logger settings loaded from flags or environment.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// ApplyConfig builds a Logger from a declarative Config. Format is "text" or
// "json" (default json); unknown levels are an error.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		return NewLogger(), nil
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch cfg.Format {
	case "text":
		formatter = &TextFormatter{}
	case "json", "":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return NewLogger(WithLevel(level), WithFormatter(formatter), WithOutput(NewConsoleOutput())), nil
}

// RedirectStdLog routes standard library log output (used by some
// dependencies) through the given logger at info level.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdWriter{logger: logger})
}

type stdWriter struct{ logger Logger }

func (w stdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	w.logger.Info(msg, Str("source", "stdlog"))
	return len(p), nil
}
