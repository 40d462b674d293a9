package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Namespace prefixes every collector exported by the process.
const Namespace = "arbexec"

// MempoolMetrics track the pending-transaction observer.
type MempoolMetrics struct {
	TxSeen       prometheus.Counter
	TxLookups    prometheus.Counter
	LookupErrors prometheus.Counter
	IndexSize    prometheus.Gauge
	Throttled    prometheus.Counter
	BreakerState *prometheus.GaugeVec
}

func NewMempoolMetrics(namespace string, reg prometheus.Registerer) *MempoolMetrics {
	factory := promauto.With(reg)
	return &MempoolMetrics{
		TxSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "transactions_seen_total",
			Help:      "Pending transaction hashes received from the node",
		}),
		TxLookups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "lookups_total",
			Help:      "Pending transaction bodies fetched from the node",
		}),
		LookupErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "lookup_errors_total",
			Help:      "Failed pending transaction lookups",
		}),
		IndexSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "index_size",
			Help:      "Pending transactions currently indexed",
		}),
		Throttled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "throttled_total",
			Help:      "Lookups delayed by the RPC rate limiter",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
	}
}

// RiskMetrics track admission decisions.
type RiskMetrics struct {
	Decisions       *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	OpenTrades      prometheus.Gauge
	DailyTrades     prometheus.Gauge
	MEVObservations prometheus.Gauge
	MEVLevel        *prometheus.CounterVec
}

func NewRiskMetrics(namespace string, reg prometheus.Registerer) *RiskMetrics {
	factory := promauto.With(reg)
	return &RiskMetrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "decisions_total",
			Help:      "Admission decisions by result",
		}, []string{"result"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "rejections_total",
			Help:      "Rejected opportunities by kind",
		}, []string{"kind"}),
		OpenTrades: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "open_trades",
			Help:      "Trades currently holding a concurrency slot",
		}),
		DailyTrades: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "daily_trades",
			Help:      "Trades admitted in the current daily window",
		}),
		MEVObservations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mev",
			Name:      "observations",
			Help:      "Similar pending transactions inside the window",
		}),
		MEVLevel: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mev",
			Name:      "assessments_total",
			Help:      "MEV assessments by risk level",
		}, []string{"level"}),
	}
}

// ExecutionMetrics track submitted trades.
type ExecutionMetrics struct {
	Outcomes       *prometheus.CounterVec
	GasUsed        prometheus.Histogram
	GasCost        prometheus.Counter
	RealizedProfit prometheus.Counter
	Latency        prometheus.Histogram
	SuccessRate    prometheus.Gauge
	successCount   prometheus.Counter
	submitCount    prometheus.Counter
}

func NewExecutionMetrics(namespace string, reg prometheus.Registerer) *ExecutionMetrics {
	factory := promauto.With(reg)
	return &ExecutionMetrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "outcomes_total",
			Help:      "Terminal trade outcomes",
		}, []string{"outcome"}),
		GasUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "gas_used",
			Help:      "Gas used by mined trades",
			Buckets:   prometheus.ExponentialBuckets(100_000, 1.5, 10),
		}),
		GasCost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "gas_cost_total",
			Help:      "Native asset spent on gas",
		}),
		RealizedProfit: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "realized_profit_total",
			Help:      "Profit realized by confirmed trades",
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "latency_seconds",
			Help:      "Time from evaluation to terminal outcome",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		SuccessRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "success_rate",
			Help:      "Confirmed trades as a share of submitted trades",
		}),
		successCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "confirmed_total",
			Help:      "Confirmed trades",
		}),
		submitCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "submitted_total",
			Help:      "Trades that reached the chain",
		}),
	}
}

// RecordSubmission counts a trade that reached the chain and refreshes the
// success rate.
func (m *ExecutionMetrics) RecordSubmission(confirmed bool) {
	m.submitCount.Inc()
	if confirmed {
		m.successCount.Inc()
	}

	total := counterValue(m.submitCount)
	if total == 0 {
		return
	}
	m.SuccessRate.Set(counterValue(m.successCount) / total)
}

func counterValue(c prometheus.Counter) float64 {
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil || metric.Counter == nil {
		return 0
	}
	return metric.Counter.GetValue()
}
