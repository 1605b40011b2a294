// Package metrics exposes dispatch, publish and queue metrics for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tweetq/internal/notifier"
)

const namespace = "tweetq"

// Metrics owns a private registry so several instances (and tests) never collide.
type Metrics struct {
	reg *prometheus.Registry

	LifecycleEvents *prometheus.CounterVec
	PublishRequests *prometheus.CounterVec
	PublishDuration prometheus.Histogram
	Ticks           *prometheus.CounterVec
	TaskRestarts    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Dispatch lifecycle events by kind.",
		}, []string{"kind"}),
		PublishRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_requests_total",
			Help:      "Platform publish calls by outcome (ok or failure kind).",
		}, []string{"outcome"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Latency of platform publish calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_ticks_total",
			Help:      "Dispatch coordinator ticks by outcome.",
		}, []string{"outcome"}),
		TaskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Restarts of supervised background tasks.",
		}, []string{"task"}),
	}
	m.reg.MustRegister(
		m.LifecycleEvents,
		m.PublishRequests,
		m.PublishDuration,
		m.Ticks,
		m.TaskRestarts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObservePublish records one publish call; outcome is "ok" or a failure kind.
func (m *Metrics) ObservePublish(outcome string, took time.Duration) {
	m.PublishRequests.WithLabelValues(outcome).Inc()
	m.PublishDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveTick(outcome string) {
	m.Ticks.WithLabelValues(outcome).Inc()
}

// Subscriber counts lifecycle events as they are delivered.
// ObserveRestart matches supervisor.RestartHook.
func (m *Metrics) ObserveRestart(task string, _ error) { m.TaskRestarts.WithLabelValues(task).Inc() }

func (m *Metrics) Subscriber() notifier.Subscriber {
	return notifier.Func("prometheus", func(_ context.Context, e notifier.Event) error {
		m.LifecycleEvents.WithLabelValues(string(e.Kind)).Inc()
		return nil
	})
}

// WatchQueue exports tweet counts per status, read from fn at scrape time.
func (m *Metrics) WatchQueue(fn func() map[string]int) {
	m.reg.MustRegister(&queueCollector{fn: fn, desc: prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "tweets"),
		"Tweets in the queue by status.",
		[]string{"status"}, nil,
	)})
}

// WatchNextPost exports the next eligible dispatch time as a unix timestamp (0 when disabled).
func (m *Metrics) WatchNextPost(fn func() (time.Time, bool)) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "next_post_timestamp_seconds",
		Help:      "Next eligible dispatch time (unix seconds); 0 when posting is disabled.",
	}, func() float64 {
		t, ok := fn()
		if !ok {
			return 0
		}
		return float64(t.UnixNano()) / 1e9
	}))
}

type queueCollector struct {
	fn   func() map[string]int
	desc *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
