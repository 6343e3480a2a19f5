package jobs

import (
	"fmt"
	"time"

	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/runner"
)

// Parser selects the cron expression syntax used by sweeps.
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone for sweep schedules.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithLogger(logger engine.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithRetryStrategy sets the delay between failed job attempts.
func WithRetryStrategy(strategy runner.RetryStrategy) Option {
	return func(s *Scheduler) {
		if strategy != nil {
			s.retry = strategy
		}
	}
}

// WithMaxAttempts caps queue-side attempts per job. Zero leaves the limit to
// the job handler.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxAttempts = n
		}
	}
}

// WithJobTimeout bounds one job attempt.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.jobTimeout = d
	}
}

// WithErrorHandler receives job and sweep failures.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

// loggerAdapter adapts engine.Logger to robfig/cron's logger.
type loggerAdapter struct {
	logger engine.Logger
}

func (l *loggerAdapter) Info(msg string, args ...interface{}) {
	l.logger.Debug("cron: %s %v", msg, args)
}

func (l *loggerAdapter) Error(err error, msg string, args ...interface{}) {
	l.logger.Error("cron: %s %v: %v", msg, args, err)
}

// errorHandlerAdapter routes panics recovered by cron to the error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...interface{}) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...interface{}) {
	if e.handler == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s %v", msg, args)
	}
	e.handler(err)
}
