package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vitalsync.ai/internal/sim/vitals"
)

// Metrics holds the host collectors.
type Metrics struct {
	updates  *prometheus.CounterVec
	events   *prometheus.CounterVec
	requests *prometheus.CounterVec
	kicked   prometheus.Counter
	clients  prometheus.Gauge
	entities prometheus.Gauge
	tick     prometheus.Gauge
}

// NewMetrics builds the host collectors and registers them with reg when it
// is non-nil. depth reports the current inbox backlog.
func NewMetrics(reg prometheus.Registerer, hostID string, depth func() float64) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"host": hostID}
	m := &Metrics{
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vitalsync",
			Name:        "updates_total",
			Help:        "Committed vital updates broadcast by the authority.",
			ConstLabels: labels,
		}, []string{"kind"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vitalsync",
			Name:        "events_total",
			Help:        "Vital events emitted by the authority.",
			ConstLabels: labels,
		}, []string{"kind", "type"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vitalsync",
			Name:        "requests_total",
			Help:        "Requests handled by the authority, by op and result code.",
			ConstLabels: labels,
		}, []string{"op", "code"}),
		kicked: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "vitalsync",
			Name:        "peers_kicked_total",
			Help:        "Peers disconnected because their send queue was full.",
			ConstLabels: labels,
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vitalsync",
			Name:        "clients",
			Help:        "Connected peers.",
			ConstLabels: labels,
		}),
		entities: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vitalsync",
			Name:        "entities",
			Help:        "Entities held by the authority.",
			ConstLabels: labels,
		}),
		tick: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vitalsync",
			Name:        "tick",
			Help:        "Current host tick.",
			ConstLabels: labels,
		}),
	}
	if depth != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "vitalsync",
			Name:        "inbox_depth",
			Help:        "Requests waiting for the loop.",
			ConstLabels: labels,
		}, depth)
	}
	return m
}

func (m *Metrics) observeUpdate(u vitals.Update) {
	k := string(u.Kind)
	m.updates.WithLabelValues(k).Inc()
	for _, e := range u.Events {
		m.events.WithLabelValues(k, string(e.Type)).Inc()
	}
}

func (m *Metrics) observeRequest(op, code string) {
	if code == "" {
		code = "OK"
	}
	m.requests.WithLabelValues(op, code).Inc()
}
