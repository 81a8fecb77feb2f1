package modbus

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the Reader's optional Prometheus surface, grounded in the
// promhttp.Handler() wiring from danielkucera's futura main.go — that
// program exposes /metrics off the default registry, so Metrics registers
// its own collectors there rather than carrying a private registry.
type Metrics struct {
	reads        prometheus.Counter
	readFailures prometheus.Counter
	reconnects   prometheus.Counter
	deviceOnline *prometheus.GaugeVec
}

// NewMetrics constructs and registers a Metrics instance against
// registerer. Pass prometheus.DefaultRegisterer to expose it through
// promhttp.Handler().
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_mapper",
			Name:      "group_reads_total",
			Help:      "Successful group read requests.",
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_mapper",
			Name:      "group_read_failures_total",
			Help:      "Failed group read requests.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_mapper",
			Name:      "transport_reconnect_attempts_total",
			Help:      "Failed transport connect attempts.",
		}),
		deviceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modbus_mapper",
			Name:      "device_online",
			Help:      "1 if a device's last poll succeeded, 0 otherwise.",
		}, []string{"device"}),
	}
	registerer.MustRegister(m.reads, m.readFailures, m.reconnects, m.deviceOnline)
	return m
}

func (m *Metrics) setDeviceOnline(name string, online bool) {
	v := 0.0
	if online {
		v = 1.0
	}
	m.deviceOnline.WithLabelValues(name).Set(v)
}
