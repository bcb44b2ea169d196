// Package gclog provides the package-wide logger for the collector and
// allocator. Logging is discarded by default; set GCKIT_LOG_ALLOC=1 (or
// call Init explicitly) to see allocator and collector tracing on stderr.
package gclog

import (
	"io"
	"log/slog"
	"os"
)

// L is the global logger instance. It discards all output until Init is
// called or the GCKIT_LOG_ALLOC environment variable is set.
var L = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	if os.Getenv("GCKIT_LOG_ALLOC") != "" {
		Init(Options{Enabled: true, Level: slog.LevelDebug})
	}
}

// Options configures the logger.
type Options struct {
	// Enabled turns logging on. If false, all output is discarded.
	Enabled bool
	// Level is the minimum level logged. Default: LevelInfo when enabled.
	Level slog.Level
	// Writer overrides the destination. Default: os.Stderr.
	Writer io.Writer
}

// Init configures the global logger.
func Init(opts Options) {
	if !opts.Enabled {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := opts.Level
	if level == 0 {
		level = slog.LevelInfo
	}
	L = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func Debug(msg string, args ...any) { L.Debug(msg, args...) }
func Info(msg string, args ...any)  { L.Info(msg, args...) }
func Warn(msg string, args ...any)  { L.Warn(msg, args...) }
func Error(msg string, args ...any) { L.Error(msg, args...) }
