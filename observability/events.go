package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"cdpledger/core/events"
)

// EventMetrics counts emitted ledger events by type. It implements
// events.Emitter so it can sit beside the journal in an events.Multi.
type EventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the event counter registered on the default prometheus
// registry.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = NewEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

// NewEventMetrics builds the event counter and registers it on reg.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Count of ledger events segmented by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.emitted)
	}
	return m
}

// Emit increments the counter for the event's type.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(evt.EventType()).Inc()
}
