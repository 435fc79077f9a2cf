package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery results used as the "result" label of RelayMetrics.Deliveries.
const (
	DeliveryOK     = "ok"
	DeliveryFailed = "failed"
)

// RelayMetrics holds Prometheus metrics for the sync relay.
type RelayMetrics struct {
	Connections         prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	Updates             prometheus.Counter
	Ignored             prometheus.Counter
	Malformed           prometheus.Counter
	Deliveries          *prometheus.CounterVec
	BroadcastDuration   prometheus.Histogram
	ChangeEventsDropped prometheus.Counter
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of currently registered client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total number of client connections registered.",
		}),
		Updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "updates_total",
			Help:      "Total number of applied state updates.",
		}),
		Ignored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_ignored_total",
			Help:      "Total number of well-formed messages with an unrecognized type.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_malformed_total",
			Help:      "Total number of inbound messages that failed to parse.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Total number of sync deliveries attempted, by result.",
		}, []string{"result"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent enqueuing one broadcast round.",
			Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		ChangeEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "change_events_dropped_total",
			Help:      "Total number of state change events dropped because listeners fell behind.",
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.ConnectionsTotal,
		m.Updates,
		m.Ignored,
		m.Malformed,
		m.Deliveries,
		m.BroadcastDuration,
		m.ChangeEventsDropped,
	)
	return m
}
