// Package prommetrics exports engine command timings and lifecycle events as
// Prometheus metrics.
package prommetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-cmmn/engine"
)

// Collector is both an engine.MetricsRecorder and an engine.Listener.
type Collector struct {
	commandDuration *prometheus.HistogramVec
	commands        *prometheus.CounterVec
	events          *prometheus.CounterVec
	casesEnded      *prometheus.CounterVec
	jobsFailed      prometheus.Counter
}

var (
	_ engine.MetricsRecorder = (*Collector)(nil)
	_ engine.Listener        = (*Collector)(nil)
)

// New builds a collector and registers it on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "cmmn"
	}
	c := &Collector{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of engine commands including the cascade and commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Engine commands by outcome.",
		}, []string{"command", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events emitted by committed cascades.",
		}, []string{"event", "plan_item_type"}),
		casesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cases_ended_total",
			Help:      "Case instances that reached a terminal state.",
		}, []string{"state"}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Async jobs that exhausted their retries.",
		}),
	}
	for _, col := range []prometheus.Collector{c.commandDuration, c.commands, c.events, c.casesEnded, c.jobsFailed} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) RecordDuration(name string, d time.Duration) {
	c.commandDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (c *Collector) RecordError(name string) {
	c.commands.WithLabelValues(name, "error").Inc()
}

func (c *Collector) RecordSuccess(name string) {
	c.commands.WithLabelValues(name, "success").Inc()
}

// OnEvent counts events. It never fails, so it is safe in fail_closed mode.
func (c *Collector) OnEvent(_ context.Context, evt engine.Event) error {
	c.events.WithLabelValues(string(evt.Type), string(evt.PlanItemType)).Inc()
	switch evt.Type {
	case engine.EventCaseEnded:
		c.casesEnded.WithLabelValues(evt.EndingState).Inc()
	case engine.EventJobFailed:
		c.jobsFailed.Inc()
	}
	return nil
}
