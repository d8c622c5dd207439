package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	StatusTransitions *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	ChatMessages      *prometheus.CounterVec
	QueueLength       prometheus.Gauge
	ActiveSockets     prometheus.Gauge
}

// NewMetrics registers the instruments on a private registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_status_transitions_total",
			Help:      "Task status updates by resulting status.",
		}, []string{"status"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound digest and reminder messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ChatMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Inbound chat messages by route.",
		}, []string{"route"}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "today_queue_length",
			Help:      "Number of tasks in the most recently computed today queue.",
		}),
		ActiveSockets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websockets",
			Help:      "Open websocket chat connections.",
		}),
	}
}

func (m *Metrics) ObserveStatus(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDelivery(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.Deliveries.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveChat(route string) {
	if m == nil {
		return
	}
	m.ChatMessages.WithLabelValues(route).Inc()
}

func (m *Metrics) ObserveQueue(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

func (m *Metrics) SocketOpened() {
	if m != nil {
		m.ActiveSockets.Inc()
	}
}

func (m *Metrics) SocketClosed() {
	if m != nil {
		m.ActiveSockets.Dec()
	}
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
