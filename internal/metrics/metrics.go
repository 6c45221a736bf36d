// Package metrics exposes Prometheus collectors for the actors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codeguard"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scans         *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	subjects      *prometheus.GaugeVec
	analyses      *prometheus.CounterVec
	pauses        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	incidents     *prometheus.CounterVec
	broadcasts    prometheus.Counter
	pruned        prometheus.Counter
	subscribers   prometheus.Gauge
	inbox         *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_total", Help: "Subject scans by chain and outcome.",
		}, []string{"chain", "outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomalous_transactions_total", Help: "Anomalous transactions found by scans.",
		}, []string{"chain"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total", Help: "Alerts escalated by monitors.",
		}, []string{"chain"}),
		subjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "monitored_subjects", Help: "Subjects registered per chain.",
		}, []string{"chain"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "analyses_total", Help: "Deep analyses by action taken.",
		}, []string{"action"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pause_decisions_total", Help: "Emergency pause decisions by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "incidents_total", Help: "Incidents recorded by action.",
		}, []string{"action"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_total", Help: "Events broadcast to subscribers.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscribers_pruned_total", Help: "Subscribers removed after a failed send.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscribers", Help: "Open stream subscribers.",
		}),
		inbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbox_messages_total", Help: "Inbound agent messages by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scans, m.anomalies, m.alerts, m.subjects, m.analyses, m.pauses,
		m.notifications, m.incidents, m.broadcasts, m.pruned, m.subscribers, m.inbox,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Scan(chain string, anomalies int, err error) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(chain, outcome(err)).Inc()
	if anomalies > 0 {
		m.anomalies.WithLabelValues(chain).Add(float64(anomalies))
	}
}

func (m *Metrics) Alert(chain string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(chain).Inc()
}

func (m *Metrics) Subjects(chain string, n int) {
	if m == nil {
		return
	}
	m.subjects.WithLabelValues(chain).Set(float64(n))
}

func (m *Metrics) Analysis(action string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(action).Inc()
}

func (m *Metrics) PauseDecision(outcome string) {
	if m == nil {
		return
	}
	m.pauses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notification(channel string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome(err)).Inc()
}

func (m *Metrics) Incident(action string) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues(action).Inc()
}

func (m *Metrics) Broadcast(pruned, remaining int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.pruned.Add(float64(pruned))
	m.subscribers.Set(float64(remaining))
}

func (m *Metrics) SubscriberCount(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) Inbox(err error) {
	if m == nil {
		return
	}
	m.inbox.WithLabelValues(outcome(err)).Inc()
}
