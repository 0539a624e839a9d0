package logger

import (
	"fmt"
	"os"
	"path/filepath"
)

var defLogger = newSlog(InfoLevel, false)

func Debug(msg string, keysAndValues ...any) {
	defLogger.Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	defLogger.Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	defLogger.Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	defLogger.Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	defLogger.Fatal(msg, keysAndValues...)
}

func SetLevel(level Level) {
	defLogger.SetLevel(level)
}

func GetLogger() Logger {
	return defLogger
}

func With(keyValues ...any) Logger {
	return defLogger.With(keyValues...)
}

// NewChannelLogger returns a logger for one PLC channel.
//
// When dir is empty the default logger is returned. Otherwise records are appended to
// <dir>/<name>.log, and the returned close function releases the file. The channel attribute is
// added by the connection that uses the logger.
func NewChannelLogger(dir string, name string, level Level) (Logger, func() error, error) {
	if dir == "" {
		return GetLogger(), func() error { return nil }, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open channel log: %w", err)
	}

	return NewSlog(level, false, WithOutput(f)), f.Close, nil
}
