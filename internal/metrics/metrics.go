// Package metrics exposes queue activity as Prometheus metrics.
//
// Counters and the duration histogram are fed from the event bus; the
// per-state row gauge is refreshed from the store on an interval, so it
// covers rows written by other processes too.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toosimpleq/internal/eventbus"
	"toosimpleq/internal/storage"
	"toosimpleq/internal/task/engine"
	"toosimpleq/internal/task/scheduler"
	logx "toosimpleq/pkg/logx"
)

const namespace = "toosimpleq"

const defaultRefresh = 15 * time.Second

// Collector owns a private registry; nothing is registered globally.
type Collector struct {
	reg *prometheus.Registry

	tasksQueued    *prometheus.CounterVec
	tasksReplaced  *prometheus.CounterVec
	tasksStarted   *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	scheduleFired  *prometheus.CounterVec
	rowsByState    *prometheus.GaugeVec
	refreshErrors  prometheus.Counter
	eventsDropped  prometheus.GaugeFunc
	lastRefreshSec prometheus.Gauge
}

// NewCollector builds the collector. bus may be nil; the dropped-events
// gauge then reports 0.
func NewCollector(bus eventbus.Bus) *Collector {
	labels := []string{"task", "queue"}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		tasksQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_queued_total",
			Help: "Task executions inserted in QUEUED state.",
		}, labels),
		tasksReplaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_replaced_total",
			Help: "Queued task executions superseded by a newer identical one.",
		}, labels),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_started_total",
			Help: "Task executions claimed by a worker.",
		}, labels),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Task executions that reached a terminal state.",
		}, []string{"task", "queue", "state"}),
		tasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_retried_total",
			Help: "Retry attempts enqueued after a failure.",
		}, labels),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Handler run time.",
			Buckets: prometheus.DefBuckets,
		}, labels),
		scheduleFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "schedule_fired_total",
			Help: "Schedule firings that enqueued a task.",
		}, []string{"schedule"}),
		rowsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "task_execs",
			Help: "Rows in task_execs by state, as of the last refresh.",
		}, []string{"state"}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "metrics_refresh_errors_total",
			Help: "Failed store count refreshes.",
		}),
		lastRefreshSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "metrics_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful store count refresh.",
		}),
	}
	c.eventsDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "eventbus_dropped",
		Help: "Events dropped because a subscriber buffer was full.",
	}, func() float64 {
		if bus == nil {
			return 0
		}
		return float64(bus.Dropped())
	})

	c.reg.MustRegister(
		c.tasksQueued, c.tasksReplaced, c.tasksStarted, c.tasksFinished, c.tasksRetried,
		c.taskDuration, c.scheduleFired, c.rowsByState, c.refreshErrors, c.eventsDropped,
		c.lastRefreshSec,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the private registry (tests, extra collectors).
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe updates counters from one bus event. Unknown events are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case engine.TaskEvent:
		l := prometheus.Labels{"task": d.Name, "queue": d.Queue}
		switch e.Type {
		case eventbus.TaskQueued:
			c.tasksQueued.With(l).Inc()
		case eventbus.TaskReplaced:
			c.tasksReplaced.With(l).Inc()
		case eventbus.TaskStarted:
			c.tasksStarted.With(l).Inc()
		case eventbus.TaskSucceeded, eventbus.TaskFailed:
			c.tasksFinished.With(prometheus.Labels{"task": d.Name, "queue": d.Queue, "state": string(d.State)}).Inc()
			c.taskDuration.With(l).Observe(d.Duration.Seconds())
		case eventbus.TaskRetried:
			c.tasksRetried.With(l).Inc()
		}
	case scheduler.ScheduleEvent:
		if e.Type == eventbus.ScheduleFired {
			c.scheduleFired.WithLabelValues(d.Name).Inc()
		}
	}
}

// Refresh sets the per-state gauge from the store.
func (c *Collector) Refresh(ctx context.Context, st storage.Store) error {
	counts, err := st.CountTasks(ctx)
	if err != nil {
		c.refreshErrors.Inc()
		return err
	}
	for state, n := range counts {
		c.rowsByState.WithLabelValues(string(state)).Set(float64(n))
	}
	c.lastRefreshSec.SetToCurrentTime()
	return nil
}

// Run consumes bus events and refreshes store counts until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus, st storage.Store, every time.Duration, log logx.Logger) error {
	if every <= 0 {
		every = defaultRefresh
	}
	var events <-chan eventbus.Event
	if bus != nil {
		ch, unsubscribe := bus.Subscribe(256, "task.", eventbus.ScheduleFired)
		defer unsubscribe()
		events = ch
	}

	refresh := func() {
		if st == nil {
			return
		}
		if err := c.Refresh(ctx, st); err != nil && ctx.Err() == nil {
			log.Debug("metrics refresh failed", logx.Err(err))
		}
	}
	refresh()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.Observe(e)
		case <-t.C:
			refresh()
		}
	}
}
