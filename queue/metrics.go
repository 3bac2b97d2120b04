package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	sourceQueue = "queue"
	sourceRelay = "relay"
)

// Metrics are the Prometheus metrics of a Service. A nil *Metrics records nothing.
type Metrics struct {
	published       prometheus.Counter
	received        *prometheus.CounterVec
	deduplicated    *prometheus.CounterVec
	delivered       prometheus.Counter
	handlerFailures prometheus.Counter
	subscriptions   prometheus.Gauge
}

// NewMetrics creates the metrics of a Service and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvinsights",
			Subsystem: "queue",
			Name:      "published_total",
			Help:      "Values accepted by the durable queue.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvinsights",
			Subsystem: "queue",
			Name:      "received_total",
			Help:      "Envelopes received, by source (queue or relay).",
		}, []string{"source"}),
		deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvinsights",
			Subsystem: "queue",
			Name:      "deduplicated_total",
			Help:      "Envelopes dropped because they were already dispatched, by source.",
		}, []string{"source"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvinsights",
			Subsystem: "queue",
			Name:      "handler_deliveries_total",
			Help:      "Successful subscription handler invocations.",
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvinsights",
			Subsystem: "queue",
			Name:      "handler_failures_total",
			Help:      "Subscription handler invocations that returned an error or panicked.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvinsights",
			Subsystem: "queue",
			Name:      "subscriptions",
			Help:      "Live subscriptions.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.published, m.received, m.deduplicated, m.delivered, m.handlerFailures, m.subscriptions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) onPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) onReceived(source string, duplicate bool) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(source).Inc()
	if duplicate {
		m.deduplicated.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) onDispatched(result DispatchResult) {
	if m == nil {
		return
	}
	m.delivered.Add(float64(result.Delivered))
	m.handlerFailures.Add(float64(result.Failed))
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
