// Package dispatcher routes cmmn messages to the commanders and queriers
// subscribed for their type.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/goliatone/go-errors"

	cmmn "github.com/goliatone/go-cmmn"
	"github.com/goliatone/go-cmmn/runner"
)

const (
	ErrCodeNoHandler      = "DISPATCH_NO_HANDLER"
	ErrCodeAmbiguousQuery = "DISPATCH_AMBIGUOUS_QUERY"
)

// Dispatcher holds handlers keyed by message type.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]*registration
	nextID    uint64
	exitOnErr bool
}

type registration struct {
	id      uint64
	handler any
}

// Subscription removes one commander or querier from its dispatcher.
// Unsubscribe is safe to call more than once.
type Subscription interface {
	MessageType() string
	Unsubscribe()
}

type subscription struct {
	dispatcher *Dispatcher
	msgType    string
	id         uint64
	once       sync.Once
}

func (s *subscription) MessageType() string { return s.msgType }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.dispatcher.remove(s.msgType, s.id) })
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

// WithExitOnError stops a dispatch at the first failing commander.
func WithExitOnError() Option {
	return func(d *Dispatcher) {
		d.exitOnErr = true
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string][]*registration)}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Dispatcher) register(msgType string, handler any) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[msgType] = append(d.handlers[msgType], &registration{id: d.nextID, handler: handler})
	return &subscription{dispatcher: d, msgType: msgType, id: d.nextID}
}

// remove drops one registration; the type disappears with its last handler.
func (d *Dispatcher) remove(msgType string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[msgType]
	kept := make([]*registration, 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(d.handlers, msgType)
		return
	}
	d.handlers[msgType] = kept
}

func (d *Dispatcher) get(msgType string) []any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	regs := d.handlers[msgType]
	out := make([]any, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.handler)
	}
	return out
}

// Types lists message types with at least one handler, sorted.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for msgType := range d.handlers {
		out = append(out, msgType)
	}
	sort.Strings(out)
	return out
}

// SubscribeCommand registers cmd for messages of type T. Each dispatch runs
// through a runner.Handler built from runnerOpts.
func SubscribeCommand[T cmmn.Message](d *Dispatcher, cmd cmmn.Commander[T], runnerOpts ...runner.Option) Subscription {
	var msg T
	return d.register(msg.Type(), &commandWrapper[T]{
		runner: runner.NewHandler(msg.Type(), runnerOpts...),
		cmd:    cmd,
	})
}

// SubscribeQuery registers qry for messages of type T. At most one querier
// per type may be subscribed when Query is called.
func SubscribeQuery[T cmmn.Message, R any](d *Dispatcher, qry cmmn.Querier[T, R], runnerOpts ...runner.Option) Subscription {
	var msg T
	return d.register(msg.Type(), &queryWrapper[T, R]{
		runner: runner.NewHandler(msg.Type(), runnerOpts...),
		qry:    qry,
	})
}

// Dispatch validates msg and executes every commander subscribed for T.
func Dispatch[T cmmn.Message](ctx context.Context, d *Dispatcher, msg T) error {
	if err := (&cmmn.MessageHandler[T]{}).ValidateMessage(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	handlers := d.get(msg.Type())
	if len(handlers) == 0 {
		return noHandler(msg.Type())
	}

	var errs error
	for _, h := range handlers {
		cw, ok := h.(*commandWrapper[T])
		if !ok {
			continue
		}
		err := cw.runner.Run(ctx, func(ctx context.Context) error {
			return cw.cmd.Execute(ctx, msg)
		})
		if err == nil {
			continue
		}
		if d.exitOnErr {
			return err
		}
		errs = errors.Join(errs, err)
	}
	return errs
}

// Query validates msg and runs the single querier subscribed for T.
func Query[T cmmn.Message, R any](ctx context.Context, d *Dispatcher, msg T) (R, error) {
	var zero R
	if err := (&cmmn.MessageHandler[T]{}).ValidateMessage(msg); err != nil {
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	var found []*queryWrapper[T, R]
	for _, h := range d.get(msg.Type()) {
		if qw, ok := h.(*queryWrapper[T, R]); ok {
			found = append(found, qw)
		}
	}
	switch len(found) {
	case 0:
		return zero, noHandler(msg.Type())
	case 1:
	default:
		return zero, apperrors.New("multiple query handlers found, ambiguous query", apperrors.CategoryConflict).
			WithTextCode(ErrCodeAmbiguousQuery).
			WithMetadata(map[string]any{"message_type": msg.Type()})
	}

	qw := found[0]
	var result R
	err := qw.runner.Run(ctx, func(ctx context.Context) error {
		var qerr error
		result, qerr = qw.qry.Query(ctx, msg)
		return qerr
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

func noHandler(msgType string) error {
	return apperrors.New(fmt.Sprintf("no handlers for message type %s", msgType), apperrors.CategoryNotFound).
		WithTextCode(ErrCodeNoHandler).
		WithMetadata(map[string]any{"message_type": msgType})
}

type commandWrapper[T cmmn.Message] struct {
	runner *runner.Handler
	cmd    cmmn.Commander[T]
}

type queryWrapper[T cmmn.Message, R any] struct {
	runner *runner.Handler
	qry    cmmn.Querier[T, R]
}
