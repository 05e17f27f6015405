package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records reward settlement activity for the daemon.
type SettlementMetrics struct {
	settlements *prometheus.CounterVec
	latency     prometheus.Histogram
	sessions    prometheus.Gauge
	blockHeight prometheus.Gauge
	broadcasts  *prometheus.CounterVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = newSettlementMetrics()
		settlementReg.register(prometheus.DefaultRegisterer)
	})
	return settlementReg
}

// NewSettlementMetrics constructs an unregistered metrics set for tests that
// need isolation from the default registry.
func NewSettlementMetrics() *SettlementMetrics {
	return newSettlementMetrics()
}

func newSettlementMetrics() *SettlementMetrics {
	return &SettlementMetrics{
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainpay",
			Subsystem: "settle",
			Name:      "attempts_total",
			Help:      "Settlement attempts segmented by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chainpay",
			Subsystem: "settle",
			Name:      "latency_seconds",
			Help:      "End-to-end settlement latency from request to submission result.",
			Buckets:   prometheus.DefBuckets,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainpay",
			Subsystem: "session",
			Name:      "live",
			Help:      "Number of live observer sessions.",
		}),
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainpay",
			Subsystem: "ledger",
			Name:      "block_height",
			Help:      "Latest block height observed by the monitor.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainpay",
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Events delivered to observer sessions segmented by kind.",
		}, []string{"kind"}),
	}
}

func (m *SettlementMetrics) register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.settlements, m.latency, m.sessions, m.blockHeight, m.broadcasts)
}

// RecordSettlement counts one settlement attempt with the supplied outcome label.
func (m *SettlementMetrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// ObserveLatency records settlement latency in seconds.
func (m *SettlementMetrics) ObserveLatency(seconds float64) {
	if m == nil {
		return
	}
	m.latency.Observe(seconds)
}

// SetSessions updates the live session gauge.
func (m *SettlementMetrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// SetBlockHeight updates the observed chain height gauge.
func (m *SettlementMetrics) SetBlockHeight(height uint64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
}

// RecordBroadcast counts one delivered push event of the supplied kind.
func (m *SettlementMetrics) RecordBroadcast(kind string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind).Inc()
}
