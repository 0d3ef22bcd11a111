package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type AgentMetrics struct {
	corruptEntries  *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	trades          *prometheus.CounterVec
	realizedPnL     *prometheus.GaugeVec
	actionsRecorded *prometheus.CounterVec
	oracleLatency   *prometheus.HistogramVec
}

var (
	agentOnce     sync.Once
	agentRegistry *AgentMetrics
)

// Agent returns the lazily-initialised metrics registry shared by the store,
// ledger and collaborator adapters.
func Agent() *AgentMetrics {
	agentOnce.Do(func() {
		agentRegistry = &AgentMetrics{
			corruptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradeagent",
				Subsystem: "store",
				Name:      "corrupt_entries_total",
				Help:      "Stored entries that failed to decode during iteration, by namespace.",
			}, []string{"namespace"}),
			storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradeagent",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Storage operations that returned an I/O error, by operation.",
			}, []string{"op"}),
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradeagent",
				Subsystem: "ledger",
				Name:      "trades_total",
				Help:      "Trades applied to the ledger, by side and token.",
			}, []string{"side", "token"}),
			realizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tradeagent",
				Subsystem: "ledger",
				Name:      "realized_pnl",
				Help:      "Cumulative realized PnL per token in native smallest units.",
			}, []string{"token"}),
			actionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradeagent",
				Subsystem: "actions",
				Name:      "recorded_total",
				Help:      "Action log entries written, by domain.",
			}, []string{"domain"}),
			oracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tradeagent",
				Subsystem: "oracle",
				Name:      "request_seconds",
				Help:      "Latency of upstream price requests, by outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			agentRegistry.corruptEntries,
			agentRegistry.storeErrors,
			agentRegistry.trades,
			agentRegistry.realizedPnL,
			agentRegistry.actionsRecorded,
			agentRegistry.oracleLatency,
		)
	})
	return agentRegistry
}

func (m *AgentMetrics) RecordCorruptEntry(namespace string) {
	if m == nil {
		return
	}
	m.corruptEntries.WithLabelValues(label(namespace)).Inc()
}

func (m *AgentMetrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(label(op)).Inc()
}

func (m *AgentMetrics) RecordTrade(side, token string) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(label(side), label(token)).Inc()
}

func (m *AgentMetrics) SetRealizedPnL(token string, pnl float64) {
	if m == nil {
		return
	}
	m.realizedPnL.WithLabelValues(label(token)).Set(pnl)
}

func (m *AgentMetrics) RecordAction(domain string) {
	if m == nil {
		return
	}
	m.actionsRecorded.WithLabelValues(label(domain)).Inc()
}

func (m *AgentMetrics) ObserveOracleRequest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.oracleLatency.WithLabelValues(label(outcome)).Observe(elapsed.Seconds())
}

func label(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
