package main

import (
	"context"
	"io"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-cmmn/engine"
)

// glogLogger adapts a go-logger logger to engine.Logger.
type glogLogger struct {
	logger glog.Logger
}

func newLogger(out io.Writer, level string, json bool) engine.Logger {
	if json {
		return glogLogger{logger: glog.NewLogger(
			glog.WithWriter(out),
			glog.WithLevel(level),
			glog.WithLoggerTypeJSON(),
		)}
	}
	return glogLogger{logger: glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level))}
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) engine.Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) engine.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
