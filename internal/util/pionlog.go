package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes the overlay library's internal logging through
// the process logger, tagged with the library scope. pion warns about
// ordinary teardown (closed DTLS conns, aborted accepts), so its warnings are
// shifted down to debug; only its errors reach the default level.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

var _ logging.LoggerFactory = PionLoggerFactory{}

func (l *pionLogger) Trace(msg string) { LogTrace("[%s] %s", l.scope, msg) }
func (l *pionLogger) Debug(msg string) { LogTrace("[%s] %s", l.scope, msg) }
func (l *pionLogger) Info(msg string)  { LogDebug("[%s] %s", l.scope, msg) }
func (l *pionLogger) Warn(msg string)  { LogDebug("[%s] %s", l.scope, msg) }
func (l *pionLogger) Error(msg string) { LogError("[%s] %s", l.scope, msg) }

func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Infof(format string, args ...interface{}) { l.Info(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Warnf(format string, args ...interface{}) { l.Warn(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
