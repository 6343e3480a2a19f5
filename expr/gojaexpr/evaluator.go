// Package gojaexpr evaluates sentry conditions and plan item rules as
// JavaScript expressions with goja. Case and local variables are exposed as
// globals and as the vars object.
package gojaexpr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/gorhill/cronexpr"

	"github.com/goliatone/go-cmmn/engine"
)

// InterruptedMessage is the interrupt value used when ctx ends or the timeout fires.
const InterruptedMessage = "expression interrupted"

// ErrInterrupted is returned when evaluation is stopped before it finishes.
var ErrInterrupted = errors.New(InterruptedMessage)

// Evaluator implements engine.Evaluator. Compiled programs are cached by source.
type Evaluator struct {
	timeout        time.Duration
	undefinedAsNil bool
	now            func() time.Time

	mu       sync.RWMutex
	programs map[string]*goja.Program
}

var _ engine.Evaluator = (*Evaluator)(nil)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout bounds a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// WithUndefinedAsNil makes a ReferenceError evaluate to nil instead of failing.
func WithUndefinedAsNil() Option {
	return func(e *Evaluator) { e.undefinedAsNil = true }
}

// WithClock sets the clock behind the now() and cronNext() helpers.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		timeout:  time.Second,
		now:      time.Now,
		programs: make(map[string]*goja.Program),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Evaluate runs expr against vars and returns the exported result.
// Expressions may be wrapped in ${...}.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, vars map[string]any) (any, error) {
	src := Strip(expr)
	if src == "" {
		return nil, errors.New("empty expression")
	}
	program, err := e.compile(src)
	if err != nil {
		return nil, err
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	scope := make(map[string]any, len(vars))
	for k, v := range vars {
		scope[k] = v
		if err := rt.Set(k, v); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}
	if err := e.bindHelpers(rt, scope); err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ictx, cancel := ctx, context.CancelFunc(func() {})
	if e.timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ictx.Done():
			rt.Interrupt(InterruptedMessage)
		case <-done:
		}
	}()
	value, err := rt.RunProgram(program)
	close(done)
	cancel()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrInterrupted
		}
		var ex *goja.Exception
		if e.undefinedAsNil && errors.As(err, &ex) && strings.HasPrefix(ex.Error(), "ReferenceError") {
			return nil, nil
		}
		return nil, err
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func (e *Evaluator) bindHelpers(rt *goja.Runtime, scope map[string]any) error {
	if err := rt.Set("vars", scope); err != nil {
		return err
	}
	if err := rt.Set("now", func() string {
		return e.now().UTC().Format(time.RFC3339Nano)
	}); err != nil {
		return err
	}
	return rt.Set("cronNext", func(spec string) string {
		parsed, err := cronexpr.Parse(spec)
		if err != nil {
			panic(rt.NewTypeError(err.Error()))
		}
		return parsed.Next(e.now()).UTC().Format(time.RFC3339Nano)
	})
}

func (e *Evaluator) compile(src string) (*goja.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[src]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}
	program, err := goja.Compile("", src, true)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	e.mu.Lock()
	e.programs[src] = program
	e.mu.Unlock()
	return program, nil
}

// Strip removes surrounding whitespace and an optional ${...} wrapper.
func Strip(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		expr = strings.TrimSpace(expr[2 : len(expr)-1])
	}
	return expr
}
