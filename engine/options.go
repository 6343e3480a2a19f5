package engine

import (
	"time"

	"github.com/goliatone/go-cmmn/model"
)

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithStore(store Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

func WithDefinitions(cache *model.Cache) Option {
	return func(e *Engine) {
		if cache != nil {
			e.definitions = cache
		}
	}
}

func WithEvaluator(ev Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

func WithLocker(locker Locker) Option {
	return func(e *Engine) {
		if locker != nil {
			e.locker = locker
		}
	}
}

func WithJobQueue(queue JobQueue) Option {
	return func(e *Engine) {
		e.jobs = queue
	}
}

// WithListeners appends event listeners.
func WithListeners(listeners ...Listener) Option {
	return func(e *Engine) {
		e.listeners = append(e.listeners, listeners...)
	}
}

func WithActions(registry *ActionRegistry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.actions = registry
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

func WithMetrics(recorder MetricsRecorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.metrics = recorder
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

// WithWorkerID names this engine when claiming outbox entries.
func WithWorkerID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.workerID = id
		}
	}
}
