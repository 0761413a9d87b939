package ipc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pairipc"

// Metrics are the per-endpoint counters. Every collector carries a constant
// "port" label so several endpoints can share one registry.
type Metrics struct {
	Received   prometheus.Counter
	Matched    *prometheus.CounterVec
	Mismatched *prometheus.CounterVec
	Sent       *prometheus.CounterVec
}

// Send outcomes used as the "result" label of Metrics.Sent.
const (
	sendOK     = "ok"
	sendFailed = "error"
	sendClosed = "closed"
)

// NewMetrics builds the collectors for the endpoint bound to port and
// registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer, port int) (*Metrics, error) {
	labels := prometheus.Labels{"port": strconv.Itoa(port)}
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_received_total",
			Help:        "Inbound messages accepted by the listener.",
			ConstLabels: labels,
		}),
		Matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "handler_matches_total",
			Help:        "Handler invocations by target shape.",
			ConstLabels: labels,
		}, []string{"shape"}),
		Mismatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "handler_mismatches_total",
			Help:        "Payloads that did not decode into a handler's shape.",
			ConstLabels: labels,
		}, []string{"shape"}),
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "messages_sent_total",
			Help:        "Outbound sends by result.",
			ConstLabels: labels,
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Received, m.Matched, m.Mismatched, m.Sent} {
		if err := reg.Register(c); err != nil {
			m.unregister(reg)
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.Unregister(m.Received)
	reg.Unregister(m.Matched)
	reg.Unregister(m.Mismatched)
	reg.Unregister(m.Sent)
}
