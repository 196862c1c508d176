package bridge

import (
	"gochainbridge/types"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	finished *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "transfers_finished_total",
			Help:      "Transfers that reached a terminal status.",
		}, []string{"status", "code"}),
	}
	reg.MustRegister(m.finished)
	return m
}

func (m *metrics) terminal(status types.Status, code types.ErrorCode) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(status), string(code)).Inc()
}
