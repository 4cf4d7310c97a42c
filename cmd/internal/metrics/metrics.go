// Package metrics exposes the client core's Prometheus instruments on a
// private registry. Every method is safe on a nil *Metrics so components
// can run unmetered in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "civic"

type Metrics struct {
	reg *prometheus.Registry

	refreshes      *prometheus.CounterVec
	refreshWaiters prometheus.Histogram
	replays        *prometheus.CounterVec
	schedulerFires *prometheus.CounterVec

	channelConnected prometheus.Gauge
	channelEvents    *prometheus.CounterVec
	staleEvents      prometheus.Counter
	reconnects       prometheus.Counter

	unread prometheus.Gauge
}

// New builds the instruments and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Credential refresh calls by result.",
		}, []string{"result"}),
		refreshWaiters: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_waiters",
			Help:      "Callers settled by a single refresh, owner included.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "replay_total",
			Help:      "Requests replayed after a refresh, by result.",
		}, []string{"result"}),
		schedulerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "scheduled_refresh_total",
			Help:      "Proactive refresh firings by result.",
		}, []string{"result"}),
		channelConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connected",
			Help:      "1 while the realtime channel is connected.",
		}),
		channelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Channel events delivered to handlers, by kind.",
		}, []string{"kind"}),
		staleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "stale_events_total",
			Help:      "Events dropped because their connection generation was superseded.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts after a connection failure.",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "unread",
			Help:      "Current unread notification count.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshes,
		m.refreshWaiters,
		m.replays,
		m.schedulerFires,
		m.channelConnected,
		m.channelEvents,
		m.staleEvents,
		m.reconnects,
		m.unread,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveRefresh(ok bool, waiters int) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(ok)).Inc()
	m.refreshWaiters.Observe(float64(waiters))
}

func (m *Metrics) ObserveReplay(ok bool) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveScheduledRefresh(ok bool) {
	if m == nil {
		return
	}
	m.schedulerFires.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SetChannelConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.channelConnected.Set(1)
		return
	}
	m.channelConnected.Set(0)
}

func (m *Metrics) ObserveChannelEvent(kind string) {
	if m == nil {
		return
	}
	m.channelEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) StaleEventDiscarded() {
	if m == nil {
		return
	}
	m.staleEvents.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
