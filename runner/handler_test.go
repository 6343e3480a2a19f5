package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFunc struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (c *countingFunc) fn(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failUntil {
		return fmt.Errorf("failure %d", c.calls)
	}
	return nil
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Info(string, ...any) {}
func (l *recordingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(msg, args...))
}

func TestHandlerNoErrorNoRetries(t *testing.T) {
	h := NewHandler("noop")
	cf := &countingFunc{}
	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, 1, cf.calls)

	runs, ok := h.Stats()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, ok)
}

func TestHandlerSuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler("flaky", WithMaxRetries(3))
	cf := &countingFunc{failUntil: 1}
	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, 2, cf.calls)
}

func TestHandlerAllAttemptsFail(t *testing.T) {
	var reported []error
	h := NewHandler("broken", WithMaxRetries(2), WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))
	cf := &countingFunc{failUntil: 10}
	err := h.Run(context.Background(), cf.fn)
	require.Error(t, err)
	assert.Equal(t, 3, cf.calls)
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "broken")

	runs, ok := h.Stats()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 0, ok)
}

func TestHandlerStopsOnPermanentError(t *testing.T) {
	h := NewHandler("permanent", WithMaxRetries(5))
	calls := 0
	err := h.Run(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("bad input"))
	})
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestHandlerBacksOffBetweenRetries(t *testing.T) {
	h := NewHandler("backoff",
		WithMaxRetries(2),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2}),
	)
	cf := &countingFunc{failUntil: 2}
	start := time.Now()
	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestHandlerTimeout(t *testing.T) {
	h := NewHandler("slow", WithTimeout(20*time.Millisecond))
	err := h.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerDeadline(t *testing.T) {
	h := NewHandler("deadline", WithDeadline(time.Now().Add(20*time.Millisecond)))
	err := h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerRecoversPanics(t *testing.T) {
	logger := &recordingLogger{}
	h := NewHandler("explode", WithLogger(logger))
	err := h.Run(context.Background(), func(context.Context) error {
		panic("boom")
	})
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.Equal(t, "explode", perr.Func)
	assert.NotContains(t, string(perr.Stack), "panic(")
	assert.NotEmpty(t, logger.errors)

	cause := errors.New("typed")
	err = h.Run(context.Background(), func(context.Context) error { panic(cause) })
	assert.ErrorIs(t, err, cause)
}

func TestHandlerConcurrentRuns(t *testing.T) {
	h := NewHandler("parallel")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Run(context.Background(), func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	runs, ok := h.Stats()
	assert.Equal(t, 10, runs)
	assert.Equal(t, 10, ok)
}
