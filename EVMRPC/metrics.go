package EVMRPC

import (
	"strconv"
	"time"

	"gochainbridge/types"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Duration of chain RPC requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Chain RPC errors by kind.",
		}, []string{"chain", "method", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.errors)
	}
	return m
}

// start returns the func recording the outcome; nil metrics record nothing
func (m *Metrics) start(chainID uint64, method string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	began := time.Now()
	chain := strconv.FormatUint(chainID, 10)
	return func(err error) {
		m.duration.WithLabelValues(chain, method).Observe(time.Since(began).Seconds())
		if err != nil {
			m.errors.WithLabelValues(chain, method, string(types.CodeOf(err))).Inc()
		}
	}
}
