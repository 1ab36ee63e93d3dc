package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	ledger *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			ledger: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustmesh",
				Subsystem: "events",
				Name:      "ledger_total",
				Help:      "Count of ledger events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.ledger)
	})
	return eventRegistry
}

// RecordLedgerEvent increments the ledger event counter for the supplied
// event type, e.g. "escrow.released" or "receipt.minted".
func (m *eventMetrics) RecordLedgerEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.ledger.WithLabelValues(normalized).Inc()
}
