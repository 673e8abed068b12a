package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine and its workers.
type Metrics struct {
	// Engine operations
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// Records
	RecordsEmitted *prometheus.CounterVec
	RecordDrops    prometheus.Counter

	// Market state
	MarkPrice    *prometheus.GaugeVec
	TotalLongOI  *prometheus.GaugeVec
	TotalShortOI *prometheus.GaugeVec
	PoolCapital  *prometheus.GaugeVec
	StaleMarkets prometheus.Gauge

	// Funding & liquidation
	FundingApplied       prometheus.Counter
	LiquidationsExecuted prometheus.Counter
	LiquidationDeficits  prometheus.Counter

	// Price feed
	FeedMessages    prometheus.Counter
	FeedParseErrors prometheus.Counter
	FeedRejected    *prometheus.CounterVec

	// Persistence
	PersistRecordsWritten prometheus.Counter
	PersistBatchDur       prometheus.Histogram
	PersistBatchSize      prometheus.Histogram
	PersistErrors         prometheus.Counter
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_engine_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_engine_ops_rejected_total",
			Help: "Operations rejected and rolled back",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outcome_engine_op_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		RecordsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_records_emitted_total",
			Help: "Records emitted by committed operations",
		}, []string{"kind"}),

		RecordDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_record_drops_total",
			Help: "Records dropped due to full outbound channel",
		}),

		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outcome_mark_price",
			Help: "Current mark price, fixed-point 1e6",
		}, []string{"market_id"}),

		TotalLongOI: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outcome_total_long_oi",
			Help: "Aggregate long open interest, contracts",
		}, []string{"market_id"}),

		TotalShortOI: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outcome_total_short_oi",
			Help: "Aggregate short open interest, contracts",
		}, []string{"market_id"}),

		PoolCapital: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outcome_pool_capital",
			Help: "Borrowable LP capital, fixed-point 1e6",
		}, []string{"market_id"}),

		StaleMarkets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_stale_markets",
			Help: "Markets whose price feed is past the trading cutoff",
		}),

		FundingApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_funding_applied_total",
			Help: "Effective funding accruals",
		}),

		LiquidationsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_liquidations_executed_total",
			Help: "Liquidations executed",
		}),

		LiquidationDeficits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_liquidation_deficit_total",
			Help: "Total bad debt absorbed, fixed-point 1e6",
		}),

		FeedMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_feed_messages_total",
			Help: "Price feed messages received",
		}),

		FeedParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_feed_parse_errors_total",
			Help: "Price feed messages that failed to parse",
		}),

		FeedRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_feed_rejected_total",
			Help: "Parsed prices rejected by the smoothing model",
		}, []string{"reason"}),

		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_persist_records_written_total",
			Help: "Records written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "outcome_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "outcome_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_persist_errors_total",
			Help: "Persistence errors",
		}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outcome_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "outcome_persist_last_sequence",
			Help: "Last persisted record sequence",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outcome_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outcome_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// ObserveMarkPrice records the mark price gauge for a market.
func (m *Metrics) ObserveMarkPrice(marketID uint64, mark int64) {
	m.MarkPrice.WithLabelValues(strconv.FormatUint(marketID, 10)).Set(float64(mark))
}

// ObserveMarket records the OI and pool gauges for a market.
func (m *Metrics) ObserveMarket(marketID uint64, longOI, shortOI, capital int64) {
	id := strconv.FormatUint(marketID, 10)
	m.TotalLongOI.WithLabelValues(id).Set(float64(longOI))
	m.TotalShortOI.WithLabelValues(id).Set(float64(shortOI))
	m.PoolCapital.WithLabelValues(id).Set(float64(capital))
}
