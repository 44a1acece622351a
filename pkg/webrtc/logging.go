package webrtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LoggerFactory routes pion's internal logging into slog
type LoggerFactory struct {
	Logger *slog.Logger
}

// NewLogger implements logging.LoggerFactory
func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := f.Logger
	if l == nil {
		l = slog.Default()
	}
	return &leveledLogger{logger: l.With("component", "pion", "scope", scope)}
}

// leveledLogger maps pion levels onto slog; trace becomes debug
type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) Trace(msg string)                          { l.logger.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Debug(msg string)                          { l.logger.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Info(msg string)                           { l.logger.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Warn(msg string)                           { l.logger.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *leveledLogger) Error(msg string)                          { l.logger.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.logger.Error(fmt.Sprintf(format, args...)) }
