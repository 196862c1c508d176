package workers

import (
	"strconv"
	"time"

	"gochainbridge/types"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the monitoring queue and the job processor. A nil *Metrics records nothing.
type Metrics struct {
	taskDuration *prometheus.HistogramVec
	taskDepth    *prometheus.GaugeVec
	jobs         *prometheus.CounterVec
	chainHead    *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "monitor",
			Name:      "task_duration_seconds",
			Help:      "Time spent handling a monitoring task, by kind and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
		taskDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "monitor",
			Name:      "tasks",
			Help:      "Monitoring tasks waiting in the queue or leased to a worker.",
		}, []string{"state"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Bridge jobs processed, by result.",
		}, []string{"result"}),
		chainHead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "chain",
			Name:      "head_block",
			Help:      "Latest block seen on each chain.",
		}, []string{"chain"}),
	}
	if reg != nil {
		reg.MustRegister(m.taskDuration, m.taskDepth, m.jobs, m.chainHead)
	}
	return m
}

func outcomeName(k types.OutcomeKind) string {
	switch k {
	case types.OutcomeDone:
		return "done"
	case types.OutcomePending:
		return "pending"
	case types.OutcomeRetry:
		return "retry"
	}
	return "unknown"
}

func (m *Metrics) observeTask(kind types.TaskKind, outcome types.OutcomeKind, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(string(kind), outcomeName(outcome)).Observe(d.Seconds())
}

func (m *Metrics) setTaskDepth(queued, inFlight int) {
	if m == nil {
		return
	}
	m.taskDepth.WithLabelValues("queued").Set(float64(queued))
	m.taskDepth.WithLabelValues("in_flight").Set(float64(inFlight))
}

func (m *Metrics) job(result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
}

func (m *Metrics) setChainHead(chainID uint64, head uint64) {
	if m == nil {
		return
	}
	m.chainHead.WithLabelValues(strconv.FormatUint(chainID, 10)).Set(float64(head))
}
