package call

import (
	"github.com/edaniels/golog"
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// pionLoggerFactory routes pion's internal logging through the media engine's
// structured logger when verbose media debugging is on. Each pion subsystem
// scope becomes a named sub-logger.
type pionLoggerFactory struct {
	logger golog.Logger
}

func (f pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{f.logger.Named(scope)}
}

type pionLogger struct {
	logger golog.Logger
}

// Skip the adapter frame so log lines carry pion's call sites.
func (l pionLogger) skipped() golog.Logger {
	return l.logger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Trace has no zap counterpart; it lands on debug.
func (l pionLogger) Trace(msg string) {
	l.skipped().Debug(msg)
}

func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.skipped().Debugf(format, args...)
}

func (l pionLogger) Debug(msg string) {
	l.skipped().Debug(msg)
}

func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.skipped().Debugf(format, args...)
}

func (l pionLogger) Info(msg string) {
	l.skipped().Info(msg)
}

func (l pionLogger) Infof(format string, args ...interface{}) {
	l.skipped().Infof(format, args...)
}

func (l pionLogger) Warn(msg string) {
	l.skipped().Warn(msg)
}

func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.skipped().Warnf(format, args...)
}

func (l pionLogger) Error(msg string) {
	l.skipped().Error(msg)
}

func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.skipped().Errorf(format, args...)
}
