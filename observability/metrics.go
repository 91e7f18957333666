package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type facilitatorMetrics struct {
	verifications *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	settleLatency *prometheus.HistogramVec
	sweeps        prometheus.Counter
	sweptRecords  prometheus.Counter
}

var (
	facilitatorOnce sync.Once
	facilitatorReg  *facilitatorMetrics
)

// Facilitator returns the lazily-initialised metrics registry tracking
// verification and settlement activity.
func Facilitator() *facilitatorMetrics {
	facilitatorOnce.Do(func() {
		facilitatorReg = &facilitatorMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Name:      "verifications_total",
				Help:      "Verification verdicts segmented by network and result.",
			}, []string{"network", "result"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Name:      "settlements_total",
				Help:      "Settlement verdicts segmented by network and result.",
			}, []string{"network", "result"}),
			settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "facilitator",
				Name:      "settlement_duration_seconds",
				Help:      "Latency distribution for settlement attempts.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"network"}),
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "facilitator",
				Name:      "ledger_sweeps_total",
				Help:      "Ledger sweep passes completed.",
			}),
			sweptRecords: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "facilitator",
				Name:      "ledger_swept_records_total",
				Help:      "Nonce records removed by the ledger sweeper.",
			}),
		}
		prometheus.MustRegister(
			facilitatorReg.verifications,
			facilitatorReg.settlements,
			facilitatorReg.settleLatency,
			facilitatorReg.sweeps,
			facilitatorReg.sweptRecords,
		)
	})
	return facilitatorReg
}

// RecordVerification increments the verification counter.
func (m *facilitatorMetrics) RecordVerification(network, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(normalizeLabel(network), normalizeLabel(result)).Inc()
}

// RecordSettlement increments the settlement counter and observes latency.
func (m *facilitatorMetrics) RecordSettlement(network, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := normalizeLabel(network)
	m.settlements.WithLabelValues(label, normalizeLabel(result)).Inc()
	m.settleLatency.WithLabelValues(label).Observe(elapsed.Seconds())
}

// RecordSweep notes one sweep pass and the number of removed records.
func (m *facilitatorMetrics) RecordSweep(removed int64) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	if removed > 0 {
		m.sweptRecords.Add(float64(removed))
	}
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
