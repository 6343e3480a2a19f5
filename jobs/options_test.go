package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/engine"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) add(msg string, args []any) {
	c.lines = append(c.lines, fmt.Sprintf(msg, args...))
}

func (c *captureLogger) Trace(msg string, args ...any)            { c.add(msg, args) }
func (c *captureLogger) Debug(msg string, args ...any)            { c.add(msg, args) }
func (c *captureLogger) Info(msg string, args ...any)             { c.add(msg, args) }
func (c *captureLogger) Warn(msg string, args ...any)             { c.add(msg, args) }
func (c *captureLogger) Error(msg string, args ...any)            { c.add(msg, args) }
func (c *captureLogger) Fatal(msg string, args ...any)            { c.add(msg, args) }
func (c *captureLogger) WithContext(context.Context) engine.Logger { return c }

func TestCronLoggerKeepsPercentInMessage(t *testing.T) {
	logger := &captureLogger{}
	adapter := &loggerAdapter{logger: logger}

	adapter.Info("sweep 100% done", "entry", 3)
	adapter.Error(errors.New("boom"), "sweep 50% failed", "entry", 4)

	require.Len(t, logger.lines, 2)
	assert.Equal(t, "cron: sweep 100% done [entry 3]", logger.lines[0])
	assert.Equal(t, "cron: sweep 50% failed [entry 4]: boom", logger.lines[1])
}

func TestCronErrorHandlerBuildsErrorFromMessage(t *testing.T) {
	var got error
	adapter := &errorHandlerAdapter{handler: func(err error) { got = err }}

	adapter.Error(nil, "panic at 10%", "job", "j-1")
	require.Error(t, got)
	assert.Equal(t, "panic at 10% [job j-1]", got.Error())

	cause := errors.New("boom")
	adapter.Error(cause, "ignored")
	assert.Same(t, cause, got)
}
