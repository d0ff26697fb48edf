package logger

import (
	"os"
	"sync/atomic"
)

var defLogger atomic.Pointer[Logger]

func init() {
	l := NewSlog(InfoLevel, false)
	defLogger.Store(&l)
}

func current() Logger {
	return *defLogger.Load()
}

func Debug(msg string, keysAndValues ...any) {
	current().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	current().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	current().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	current().Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	current().Error(msg, keysAndValues...)
	os.Exit(1)
}

func SetLevel(level Level) {
	current().SetLevel(level)
}

// GetLogger returns the package default logger.
func GetLogger() Logger {
	return current()
}

// SetLogger replaces the package default logger, used by components
// that were not given a logger explicitly.
func SetLogger(l Logger) {
	if l == nil {
		return
	}
	defLogger.Store(&l)
}

func With(keyValues ...any) Logger {
	return current().With(keyValues...)
}
