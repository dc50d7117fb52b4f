package calling

import (
	"github.com/edaniels/golog"
	"go.uber.org/zap"
)

// Logger is used by various parts of the package for informational/debugging
// purposes when no other logger is available.
var Logger = golog.Global()

// Debug is helpful to turn on when the library isn't working quite right.
var Debug = false

// ZapCompatibleLogger is a basic logging interface that zap's SugaredLogger
// (and therefore golog loggers) satisfies. Library code accepts this interface
// so that applications can pass in their own logger implementations.
type ZapCompatibleLogger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatal(args ...interface{})
}

// AddFieldsToLogger returns a logger that attaches the given key-value fields
// to every message, if the underlying implementation supports it.
func AddFieldsToLogger(logger ZapCompatibleLogger, keysAndValues ...interface{}) ZapCompatibleLogger {
	type withLogger interface {
		With(args ...interface{}) *zap.SugaredLogger
	}
	if l, ok := logger.(withLogger); ok {
		return l.With(keysAndValues...)
	}
	return logger
}
