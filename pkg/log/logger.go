package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelFatal {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a level name to a LogLevel, case-insensitively.
// Unknown or empty names fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Logger writes "[time] [LEVEL] [file:line] message" lines at or above its level.
type Logger struct {
	mu    sync.RWMutex
	level LogLevel
	out   *log.Logger
}

// NewLogger logs to stdout.
func NewLogger(level LogLevel) *Logger {
	return &Logger{level: level, out: log.New(os.Stdout, "", 0)}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Level returns the current threshold.
func (l *Logger) Level() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetOutput redirects log entries, e.g. to stderr so stdout stays clean for reports.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = log.New(w, "", 0)
	l.mu.Unlock()
}

func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.write(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, format, args...) }

// Fatal logs and exits with status 1.
func (l *Logger) Fatal(format string, args ...any) {
	l.write(LevelFatal, format, args...)
	os.Exit(1)
}

func (l *Logger) write(level LogLevel, format string, args ...any) {
	l.mu.RLock()
	threshold, out := l.level, l.out
	l.mu.RUnlock()
	if level < threshold {
		return
	}

	out.Printf("[%s] [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05"),
		level,
		caller(),
		fmt.Sprintf(format, args...))
}

// caller finds the first frame outside this file, so method calls and the
// package-level helpers report the same location.
func caller() string {
	for skip := 3; skip < 6; skip++ {
		_, file, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if filepath.Base(file) != "logger.go" {
			return fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}
	return "unknown"
}

// FileLogger appends to a log file, e.g. for a long-running scheduler.
type FileLogger struct {
	*Logger
	file *os.File
}

// NewFileLogger creates the file's directory if needed.
func NewFileLogger(path string, level LogLevel) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := NewLogger(level)
	l.SetOutput(f)
	return &FileLogger{Logger: l, file: f}, nil
}

func (l *FileLogger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// InitLogger replaces the global logger with a stdout logger at level.
func InitLogger(level LogLevel) {
	SetLogger(NewLogger(level))
}

// SetLogger replaces the global logger, e.g. with a FileLogger's embedded Logger.
func SetLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetLogger returns the global logger, creating an info-level one on first use.
func GetLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo)
	}
	return globalLogger
}

func Debug(format string, args ...any) { GetLogger().Debug(format, args...) }
func Info(format string, args ...any)  { GetLogger().Info(format, args...) }
func Warn(format string, args ...any)  { GetLogger().Warn(format, args...) }
func Error(format string, args ...any) { GetLogger().Error(format, args...) }
func Fatal(format string, args ...any) { GetLogger().Fatal(format, args...) }
