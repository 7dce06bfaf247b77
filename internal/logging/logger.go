package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syntrixbase/itemgate/internal/config"
)

const (
	mainLogName  = "itemgate.log"
	errorLogName = "errors.log"
)

var (
	// closers holds the writers and handlers flushed by Shutdown.
	closers   []io.Closer
	closersMu sync.Mutex
)

// Initialize builds the logger from cfg and installs it as slog's default.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console", cfg.Console.Enabled,
		"file", cfg.File.Enabled,
		"async", cfg.Async.Enabled,
		"dedup", cfg.Dedup.Enabled,
	)
	return nil
}

// NewLogger creates a logger writing to the console and to rotated files
// under cfg.Dir. The error log only receives warnings and errors.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		handlers = append(handlers, createHandler(os.Stdout, cfg.Console.Format, ParseLevel(cfg.Console.Level)))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		main := fileWriter(cfg, filepath.Join(cfg.Dir, mainLogName))
		handlers = append(handlers, createHandler(main, cfg.File.Format, ParseLevel(cfg.File.Level)))

		errs := fileWriter(cfg, filepath.Join(cfg.Dir, errorLogName))
		handlers = append(handlers, NewLevelFilter(createHandler(errs, cfg.File.Format, slog.LevelWarn), slog.LevelWarn))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = NewMultiHandler(handlers...)
	}

	if cfg.Dedup.Enabled {
		d := NewDedupHandler(handler, DedupConfig{Window: cfg.Dedup.Window, MaxEntries: cfg.Dedup.MaxEntries})
		register(d)
		handler = d
	}
	return slog.New(handler), nil
}

func fileWriter(cfg config.LoggingConfig, path string) io.Writer {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	if !cfg.Async.Enabled {
		register(file)
		return file
	}
	// the async writer closes the file
	w := NewAsyncWriter(file, AsyncConfig{
		BufferSize:    cfg.Async.BufferSize,
		BatchSize:     cfg.Async.BatchSize,
		FlushInterval: cfg.Async.FlushInterval,
	})
	register(w)
	return w
}

// Shutdown flushes and closes everything NewLogger opened.
func Shutdown() error {
	closersMu.Lock()
	list := closers
	closers = nil
	closersMu.Unlock()

	var errs []error
	// dedup handlers were registered last and write into the files
	for i := len(list) - 1; i >= 0; i-- {
		if err := list[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close log output: %w", err)
	}
	return nil
}

func register(c io.Closer) {
	closersMu.Lock()
	closers = append(closers, c)
	closersMu.Unlock()
}

// ParseLevel maps a configured level name; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return NewTextHandler(w, opts)
}
