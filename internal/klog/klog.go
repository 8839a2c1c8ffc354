// Package klog is the shared logging facade for the buddy, slab, kmem, and
// rpc packages: a level-gated wrapper with four severities, backed by zap.
package klog

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

// Level gates output: higher values enable more output.
type Level int

const (
	LevelNone Level = iota
	LevelFatal
	LevelError
	LevelInfo
	LevelDebug
)

var (
	mu      sync.RWMutex
	level   = LevelInfo
	sugared *zap.SugaredLogger
)

func init() {
	sugared = newLogger()
}

func newLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-op logger rather than failing allocator init.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// SetLevel adjusts the global log level threshold.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= l
}

// Debug logs routine allocator bookkeeping (splits, coalesces, slab growth).
func Debug(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		sugared.Debugf(format, args...)
	}
}

// Info logs allocator lifecycle events (cache create/destroy, mode selection).
func Info(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		sugared.Infof(format, args...)
	}
}

// Error logs non-fatal faults: out-of-range frees, exhaustion, double frees.
func Error(format string, args ...interface{}) {
	if enabled(LevelError) {
		sugared.Errorf(format, args...)
	}
}

// Fatal logs a boot fault (no buddy block could be seated) and exits.
func Fatal(format string, args ...interface{}) {
	if enabled(LevelFatal) {
		sugared.Fatalf(format, args...)
	}
}

// Sync flushes buffered log entries; callers invoke it at shutdown.
func Sync() {
	_ = sugared.Sync()
	_ = os.Stdout.Sync()
}
