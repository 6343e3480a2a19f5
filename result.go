package cmmn

import (
	"context"
	"sync"
)

type resultKey[T any] struct{}

// Result lets a commander hand a value back to the caller through the
// context, e.g. the case instance created by StartCase.
type Result[T any] struct {
	mu     sync.RWMutex
	value  T
	err    error
	stored bool
}

func NewResult[T any]() *Result[T] {
	return &Result[T]{}
}

func (r *Result[T]) Store(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = value
	r.stored = true
	r.err = nil
}

func (r *Result[T]) StoreError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.stored = true
}

func (r *Result[T]) Load() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.stored
}

func (r *Result[T]) Error() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func ContextWithResult[T any](ctx context.Context, result *Result[T]) context.Context {
	return context.WithValue(ctx, resultKey[T]{}, result)
}

// ResultFromContext returns the collector for T, or nil when none was attached.
func ResultFromContext[T any](ctx context.Context) *Result[T] {
	if result, ok := ctx.Value(resultKey[T]{}).(*Result[T]); ok {
		return result
	}
	return nil
}
