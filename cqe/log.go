package cqe

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogFormat selects the output format of the default logger.
type LogFormat int

// Log formats.
const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	logLevel  = new(slog.LevelVar)
	logMutex  sync.RWMutex
	defLogger *slog.Logger
)

func init() {
	logLevel.Set(slog.LevelWarn)
	defLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum level of the default logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLogOutput points the default logger at w in the given format.
func SetLogOutput(w io.Writer, format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()

	opts := &slog.HandlerOptions{Level: logLevel}

	switch format {
	case LogFormatJSON:
		defLogger = slog.New(slog.NewJSONHandler(w, opts))
	default:
		defLogger = slog.New(slog.NewTextHandler(w, opts))
	}
}

// DefaultLogger returns the logger engines use when none is given to the
// builder.
func DefaultLogger() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()

	return defLogger
}
