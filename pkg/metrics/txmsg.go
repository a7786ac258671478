package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	SourceLocal     = "local"
	SourceCheckback = "checkback"

	ResultCommitted = "committed"
	ResultNotCommit = "not_committed"
	ResultError     = "error"
	ResultSkipped   = "skipped"
	ResultAcked     = "acked"
)

// TxMessageMetrics tracks the transactional decrement protocol.
type TxMessageMetrics struct {
	outcomes        *prometheus.CounterVec
	sends           *prometheus.CounterVec
	hints           *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	rollbackFailure prometheus.Counter
	staleStockLogs  prometheus.Gauge
}

// NewTxMessageMetrics registers the protocol metrics on reg. A nil registerer yields no-op metrics.
func NewTxMessageMetrics(reg prometheus.Registerer) *TxMessageMetrics {
	if reg == nil {
		return &TxMessageMetrics{}
	}
	m := &TxMessageMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmsg",
			Name:      "outcomes_total",
			Help:      "Half message outcomes by deciding source.",
		}, []string{"source", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmsg",
			Name:      "sends_total",
			Help:      "Transactional decrement sends by result.",
		}, []string{"result"}),
		hints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmsg",
			Name:      "hints_total",
			Help:      "Best-effort decrement hints by result.",
		}, []string{"result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmsg",
			Name:      "relay_publishes_total",
			Help:      "Committed messages handed to the transport by result.",
		}, []string{"topic", "result"}),
		rollbackFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmsg",
			Name:      "rollback_mark_failures_total",
			Help:      "Stock logs that could not be marked ROLLED_BACK after a failed order.",
		}),
		staleStockLogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stock_log",
			Name:      "stale_init",
			Help:      "Stock logs still INIT past the staleness threshold.",
		}),
	}
	reg.MustRegister(m.outcomes, m.sends, m.hints, m.publishes, m.rollbackFailure, m.staleStockLogs)
	return m
}

func (m *TxMessageMetrics) ObserveOutcome(source, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(source), normalizeLabel(outcome)).Inc()
}

func (m *TxMessageMetrics) ObserveSend(result string) {
	if m == nil || m.sends == nil {
		return
	}
	m.sends.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *TxMessageMetrics) ObserveHint(result string) {
	if m == nil || m.hints == nil {
		return
	}
	m.hints.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *TxMessageMetrics) ObservePublish(topic, result string) {
	if m == nil || m.publishes == nil {
		return
	}
	m.publishes.WithLabelValues(normalizeLabel(topic), normalizeLabel(result)).Inc()
}

func (m *TxMessageMetrics) IncRollbackMarkFailure() {
	if m == nil || m.rollbackFailure == nil {
		return
	}
	m.rollbackFailure.Inc()
}

// RollbackMarkFailures reads the rollback-mark failure counter. No-op metrics report 0.
func (m *TxMessageMetrics) RollbackMarkFailures() float64 {
	if m == nil || m.rollbackFailure == nil {
		return 0
	}
	var metric dto.Metric
	if err := m.rollbackFailure.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

func (m *TxMessageMetrics) SetStaleStockLogs(count int64) {
	if m == nil || m.staleStockLogs == nil {
		return
	}
	m.staleStockLogs.Set(float64(count))
}
