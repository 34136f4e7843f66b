// Package corolog wraps logiface/stumpy as go-coro's thread-safe logging
// collaborator.
//
// go-coro's core components never hand-roll a logging facade; they take a
// *Logger (an alias for the generic logiface logger bound to the stumpy
// event type) through their constructors and call its leveled builders.
// A process-wide default is provided for call sites (coroutine trampolines,
// scheduler panic recovery) that cannot practically thread a logger
// through every frame, following the same "package-level default,
// instance-level override" shape as eventloop/logging.go.
package corolog

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout go-coro.
type Logger = logiface.Logger[*stumpy.Event]

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// New builds a Logger writing newline-delimited JSON to w (stumpy's wire
// format), at the given minimum level ("debug", "info", "warn", "error").
func New(w *os.File, level string) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*stumpy.Event](parseLevel(level)),
	)
}

func parseLevel(level string) logiface.Level {
	switch level {
	case "debug":
		return logiface.LevelDebug
	case "warn":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// SetDefault installs the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide default logger, lazily building a
// stderr/info logger the first time it's needed.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(os.Stderr, "info")
	}
	return defaultLogger
}
