// Package metrics exposes Prometheus collectors for instance lifecycle
// operations, monitor events, and last known instance states.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "virt_mcp"

// Metrics groups the server's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	events     *prometheus.CounterVec
	states     *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Tool operations by name and result.",
		}, []string{"operation", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events delivered to the status monitor.",
		}, []string{"instance", "event"}),
		states: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_state",
			Help:      "1 for the last persisted state of each instance, 0 otherwise.",
		}, []string{"instance", "state"}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.events, m.states} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveOperation counts one operation with result "ok", "denied" or "error".
func (m *Metrics) ObserveOperation(operation, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveEvent counts a lifecycle event for an instance.
func (m *Metrics) ObserveEvent(instance, event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(instance, event).Inc()
}

// SetState marks state as current for instance among all known states.
func (m *Metrics) SetState(instance, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.states.WithLabelValues(instance, s).Set(v)
	}
}
