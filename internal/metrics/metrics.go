// Package metrics exposes Prometheus counters fed from the event bus and
// gauges read from the task store on scrape.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quoteflow/internal/dispatch"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/jobs/engine"
	"quoteflow/internal/notifier"
	"quoteflow/internal/tasks"
)

const namespace = "quoteflow"

type StatsSource interface {
	Stats() tasks.Stats
}

type Metrics struct {
	reg *prometheus.Registry

	events   *prometheus.CounterVec
	dispatch *prometheus.CounterVec
	jobs     *prometheus.CounterVec
	notify   *prometheus.CounterVec
}

// New builds a registry with the Go and process collectors plus the task
// gauges of src (nil skips them).
func New(src StatsSource) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events by type.",
		}, []string{"type"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch outcomes by channel.",
		}, []string{"channel", "outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Automation job results by job name.",
		}, []string{"job", "result"}),
		notify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifier results by channel.",
		}, []string{"channel", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.dispatch, m.jobs, m.notify,
	)
	if src != nil {
		m.reg.MustRegister(newTaskCollector(src))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe counts one event.
func (m *Metrics) Observe(e eventbus.Event) {
	m.events.WithLabelValues(e.Type).Inc()
	switch d := e.Data.(type) {
	case dispatch.Report:
		m.dispatch.WithLabelValues(d.Channel, string(d.Outcome)).Inc()
	case engine.JobEvent:
		switch e.Type {
		case eventbus.JobFinished:
			m.jobs.WithLabelValues(d.Name, "ok").Inc()
		case eventbus.JobFailed:
			m.jobs.WithLabelValues(d.Name, "failed").Inc()
		case eventbus.JobSkipped, eventbus.JobDropped:
			m.jobs.WithLabelValues(d.Name, d.Error).Inc()
		}
	case notifier.NotificationEvent:
		m.notify.WithLabelValues(d.Channel, strings.TrimPrefix(e.Type, "notifier.")).Inc()
	}
}

type taskCollector struct {
	src        StatsSource
	byStatus   *prometheus.Desc
	byPriority *prometheus.Desc
}

func newTaskCollector(src StatsSource) *taskCollector {
	return &taskCollector{
		src:        src,
		byStatus:   prometheus.NewDesc(namespace+"_tasks", "Tasks by status.", []string{"status"}, nil),
		byPriority: prometheus.NewDesc(namespace+"_tasks_by_priority", "Tasks by priority.", []string{"priority"}, nil),
	}
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byStatus
	ch <- c.byPriority
}

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	for status, n := range map[string]int{
		"pending":     st.Pending,
		"in-progress": st.InProgress,
		"completed":   st.Completed,
		"cancelled":   st.Cancelled,
		"overdue":     st.Overdue,
	} {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(n), status)
	}
	for p, n := range st.ByPriority {
		ch <- prometheus.MustNewConstMetric(c.byPriority, prometheus.GaugeValue, float64(n), p)
	}
}
