// Package logger wraps logrus, grounded on logger/logger.go's
// CustomLogger/ProviderLogger shape but generalized to drop the MongoDB
// shipping hook (log persistence across restarts is out of scope) in
// favor of JSON lines on stdout plus an optional append-only log file
// (not rotated).
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// CustomLogger is a thin, event-tagged wrapper around a *logrus.Logger.
type CustomLogger struct {
	*logrus.Logger
}

var levelMapping = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// ProviderLogger is the process-wide logger, set up once during
// initialization and used by every component, the same way
// logger.ProviderLogger is used throughout devices/*.go.
var ProviderLogger *CustomLogger

// Setup configures the process-wide logger at the given level, writing JSON
// lines to both stdout and, if logFilePath is non-empty, an append-only log
// file (mirrors logger.SetupLogging, minus the Mongo hook).
func Setup(level string, logFilePath string) error {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if lv, ok := levelMapping[level]; ok {
		l.SetLevel(lv)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	out := io.Writer(os.Stdout)
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("could not open log file %q: %w", logFilePath, err)
		}
		out = io.MultiWriter(os.Stdout, f)
	}
	l.SetOutput(out)

	ProviderLogger = &CustomLogger{Logger: l}
	return nil
}

// New builds a standalone logger at the given level writing to stdout,
// useful for tests that don't want the process-wide global.
func New(level string) *CustomLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if lv, ok := levelMapping[level]; ok {
		l.SetLevel(lv)
	}
	return &CustomLogger{Logger: l}
}

func (l *CustomLogger) LogDebug(event, message string) {
	l.WithFields(logrus.Fields{"event": event}).Debug(message)
}

func (l *CustomLogger) LogInfo(event, message string) {
	l.WithFields(logrus.Fields{"event": event}).Info(message)
}

func (l *CustomLogger) LogWarn(event, message string) {
	l.WithFields(logrus.Fields{"event": event}).Warn(message)
}

func (l *CustomLogger) LogError(event, message string) {
	l.WithFields(logrus.Fields{"event": event}).Error(message)
}
