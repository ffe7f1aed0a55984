package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
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
		return "INFO"
	}
}

// ParseLevel parses a level string (case-insensitive).
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// Options configures the process-wide logger.
type Options struct {
	Level      string
	File       string // empty: stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a leveled key/value logger.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	out    *log.Logger
	fields string
	closer io.Closer
	parent *Logger
}

var defaultLogger = &Logger{
	level: LevelInfo,
	out:   log.New(os.Stdout, "", 0),
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// Setup applies opts to the default logger. When opts.File is set, output is
// written to stdout and to a size-rotated file.
func Setup(opts Options) error {
	defaultLogger.SetLevel(ParseLevel(opts.Level))
	if opts.File == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	defaultLogger.mu.Lock()
	prev := defaultLogger.closer
	defaultLogger.out = log.New(io.MultiWriter(os.Stdout, rotator), "", 0)
	defaultLogger.closer = rotator
	defaultLogger.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close releases the rotating file, if any.
func Close() error {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if defaultLogger.closer == nil {
		return nil
	}
	err := defaultLogger.closer.Close()
	defaultLogger.closer = nil
	return err
}

// With returns a child logger that appends the given key/value pairs to every line.
// Level and output stay owned by the root logger.
func (l *Logger) With(kvs ...any) *Logger {
	var b strings.Builder
	b.WriteString(l.fields)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	return &Logger{parent: l.root(), fields: b.String()}
}

func (l *Logger) root() *Logger {
	for l.parent != nil {
		l = l.parent
	}
	return l
}

// SetLevel changes the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l = l.root()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	l = l.root()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetOutput changes the writer.
func (l *Logger) SetOutput(w io.Writer) {
	l = l.root()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = log.New(w, "", 0)
}

func (l *Logger) enabled(level Level) bool {
	r := l.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return level >= r.level
}

func (l *Logger) writer() *log.Logger {
	r := l.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.out
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	l.writer().Printf("%s [%s] %s%s", ts, level, msg, l.fields)
}

func (l *Logger) log(level Level, msg string, kvs ...any) {
	if !l.enabled(level) {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s%s", ts, level, msg, l.fields)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.writer().Println(b.String())
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kvs ...any) { l.log(LevelDebug, msg, kvs...) }

// Info logs an info message.
func (l *Logger) Info(msg string, kvs ...any) { l.log(LevelInfo, msg, kvs...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, kvs ...any) { l.log(LevelWarn, msg, kvs...) }

// Error logs an error message.
func (l *Logger) Error(msg string, kvs ...any) { l.log(LevelError, msg, kvs...) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) { l.logf(LevelInfo, format, args...) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) { l.logf(LevelWarn, format, args...) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Package-level convenience functions.

func SetLevel(level Level)              { defaultLogger.SetLevel(level) }
func With(kvs ...any) *Logger           { return defaultLogger.With(kvs...) }
func Debug(msg string, kvs ...any)      { defaultLogger.Debug(msg, kvs...) }
func Info(msg string, kvs ...any)       { defaultLogger.Info(msg, kvs...) }
func Warn(msg string, kvs ...any)       { defaultLogger.Warn(msg, kvs...) }
func Error(msg string, kvs ...any)      { defaultLogger.Error(msg, kvs...) }
func Infof(format string, args ...any)  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...any)  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...any) { defaultLogger.Errorf(format, args...) }
func Debugf(format string, args ...any) { defaultLogger.Debugf(format, args...) }
