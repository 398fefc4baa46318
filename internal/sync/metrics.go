package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the agent-side sync collectors.
type Metrics struct {
	Scans        *prometheus.CounterVec
	RemoteCalls  *prometheus.CounterVec
	Drains       *prometheus.CounterVec
	DrainSeconds prometheus.Histogram
	Pending      *prometheus.GaugeVec
	Events       *prometheus.CounterVec
	Connectivity prometheus.Gauge
	Online       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "scans_total",
			Help:      "Scans recorded locally, by result.",
		}, []string{"result"}),
		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "remote_writes_total",
			Help:      "Writes sent to the record store, by collection, operation and result.",
		}, []string{"collection", "op", "result"}),
		Drains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "drains_total",
			Help:      "Pending queue drains, by result.",
		}, []string{"result"}),
		DrainSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "drain_duration_seconds",
			Help:      "Time spent draining the pending queue.",
			Buckets:   prometheus.DefBuckets,
		}),
		Pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "pending_records",
			Help:      "Records waiting for upload plus queued updates and deletes.",
		}, []string{"kind"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "remote_events_total",
			Help:      "Change-feed events received, by collection, type and outcome.",
		}, []string{"collection", "type", "outcome"}),
		Connectivity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "connectivity_state",
			Help:      "Change-feed state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ganadoscan",
			Subsystem: "agent",
			Name:      "online",
			Help:      "1 when the last health probe succeeded.",
		}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
