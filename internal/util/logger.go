package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
	verbose  bool
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(v bool) {
	InitLoggerWithWriter(os.Stdout, v)
}

// InitLoggerWithWriter is InitLogger with an explicit destination.
func InitLoggerWithWriter(w io.Writer, v bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if v {
		opts.Level = slog.LevelDebug
	}

	l := slog.New(slog.NewTextHandler(w, opts))

	loggerMu.Lock()
	logger = l
	verbose = v
	loggerMu.Unlock()
	slog.SetDefault(l)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(false)
		return GetLogger()
	}
	return l
}

// IsVerbose reports whether debug logging was requested, either through
// InitLogger or a --verbose argument.
func IsVerbose() bool {
	loggerMu.RLock()
	v := verbose
	loggerMu.RUnlock()
	if v {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
