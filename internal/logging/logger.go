// Package logging wraps log/slog with the configuration and rotation
// conventions Relay's request plane relies on: one structured line per
// request, JSON in production, text with source locations in debug.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Level is Relay's logging verbosity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Config controls logger construction.
type Config struct {
	Level      Level
	OutputFile string // empty = stdout only
	MaxSize    int64  // bytes before rotation, default 10MB
	MaxBackups int    // default 3
	JSONFormat bool
	AddSource  bool
}

// Logger wraps slog.Logger with rotation and a mutex-guarded file handle.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	mu     sync.Mutex
}

var (
	global *Logger
	once   sync.Once
)

// Initialize sets up the process-wide logger. Safe to call once; later
// calls are no-ops.
func Initialize(config Config) error {
	var initErr error
	once.Do(func() {
		l, err := New(config)
		if err != nil {
			initErr = fmt.Errorf("initialize logger: %w", err)
			return
		}
		global = l
	})
	return initErr
}

// New constructs a standalone Logger without touching global state.
func New(config Config) (*Logger, error) {
	if config.MaxSize == 0 {
		config.MaxSize = 10 * 1024 * 1024
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 3
	}

	l := &Logger{config: config}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if config.OutputFile != "" {
		dir := filepath.Dir(config.OutputFile)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
		if err := l.rotateIfNeeded(); err != nil {
			return nil, fmt.Errorf("rotate logs: %w", err)
		}
		file, err := os.OpenFile(config.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", config.OutputFile, err)
		}
		l.file = file
		writers = append(writers, file)
	}

	multi := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: toSlogLevel(config.Level), AddSource: config.AddSource}

	var handler slog.Handler
	if config.JSONFormat {
		handler = slog.NewJSONHandler(multi, opts)
	} else {
		handler = slog.NewTextHandler(multi, opts)
	}

	l.slog = slog.New(handler)
	return l, nil
}

func (l *Logger) rotateIfNeeded() error {
	if l.config.OutputFile == "" {
		return nil
	}
	info, err := os.Stat(l.config.OutputFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < l.config.MaxSize {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	for i := l.config.MaxBackups - 1; i >= 1; i-- {
		old := fmt.Sprintf("%s.%d", l.config.OutputFile, i)
		next := fmt.Sprintf("%s.%d", l.config.OutputFile, i+1)
		if _, err := os.Stat(old); err == nil {
			os.Rename(old, next)
		}
	}
	return os.Rename(l.config.OutputFile, l.config.OutputFile+".1")
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a derived logger that always attaches args.
func (l *Logger) With(args ...any) *Logger {
	derived := *l
	derived.slog = l.slog.With(args...)
	return &derived
}

// Close closes the underlying log file, if one is open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Global accessors — used by packages that don't carry a *Logger of
// their own (e.g. package-level init code).

func Global() *Logger {
	if global != nil {
		return global
	}
	l, _ := New(Config{Level: INFO, JSONFormat: false})
	return l
}

func Debug(msg string, args ...any) { Global().Debug(msg, args...) }
func Info(msg string, args ...any)  { Global().Info(msg, args...) }
func Warn(msg string, args ...any)  { Global().Warn(msg, args...) }
func Error(msg string, args ...any) { Global().Error(msg, args...) }

// DefaultConfig returns a sensible default for the given debug mode.
func DefaultConfig(debug bool) Config {
	level := INFO
	if debug {
		level = DEBUG
	}
	return Config{
		Level:      level,
		JSONFormat: !debug,
		AddSource:  debug,
	}
}
