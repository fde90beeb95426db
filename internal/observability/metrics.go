package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for EmpireSync.
type Metrics struct {
	// --- Settlement runs ---
	RunsStarted    *prometheus.CounterVec
	RunsFinished   *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	RunRetryRounds prometheus.Histogram
	ActiveRun      prometheus.Gauge

	// --- Per-account settlement ---
	AccountsProcessed *prometheus.CounterVec
	AccountDuration   prometheus.Histogram
	BatchDuration     prometheus.Histogram
	BatchSize         prometheus.Histogram
	EarningsApplied   prometheus.Counter
	ManualFixPending  prometheus.Gauge

	// --- Chain client ---
	ChainRequests       *prometheus.CounterVec
	ChainRequestDur     *prometheus.HistogramVec
	ChainConfirmTimeout prometheus.Counter
	ChainFallbackUsed   prometheus.Counter

	// --- Reconciliation ---
	ReconcileRuns         *prometheus.CounterVec
	ReconcileRowsChanged  *prometheus.CounterVec
	DiscrepanciesDetected prometheus.Counter
	DiscrepancyMicros     prometheus.Gauge

	// --- Oracle ---
	OracleRefreshes  *prometheus.CounterVec
	OracleStaleServe prometheus.Counter
	OraclePriceAge   prometheus.Gauge

	// --- Notifications ---
	NotificationsPublished *prometheus.CounterVec
	NotificationsDropped   prometheus.Counter

	// --- Ingestion ---
	EventsApplied     *prometheus.CounterVec
	EventsDuplicate   *prometheus.CounterVec
	EventsStale       *prometheus.CounterVec
	EventsMalformed   prometheus.Counter
	ApplyBatchDur     prometheus.Histogram
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Admin API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	rpcBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 90,
	}

	dbBuckets := []float64{
		0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		// Settlement runs
		RunsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_settlement_runs_started_total",
			Help: "Settlement runs started",
		}, []string{"trigger"}),

		RunsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_settlement_runs_finished_total",
			Help: "Settlement runs reaching a terminal status",
		}, []string{"status"}),

		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "empire_settlement_run_duration_seconds",
			Help:    "Wall time of a full settlement run",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}),

		RunRetryRounds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "empire_settlement_retry_rounds",
			Help:    "Retry rounds executed per run",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		}),

		ActiveRun: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "empire_settlement_run_active",
			Help: "1 while a settlement run is executing",
		}),

		// Per-account settlement
		AccountsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_settlement_accounts_total",
			Help: "Accounts reaching an outcome within a round",
		}, []string{"outcome"}),

		AccountDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "empire_settlement_account_duration_seconds",
			Help:    "Reconcile+submit+confirm time for one account",
			Buckets: rpcBuckets,
		}),

		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "empire_settlement_batch_duration_seconds",
			Help:    "Wall time of one batch",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "empire_settlement_batch_size",
			Help:    "Accounts per batch",
			Buckets: []float64{1, 10, 25, 50, 100, 250, 500},
		}),

		EarningsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_settlement_earnings_micros_total",
			Help: "Confirmed accrual applied to the replica (micros)",
		}),

		ManualFixPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "empire_settlement_manual_fix_pending",
			Help: "Accounts awaiting manual resolution",
		}),

		// Chain client
		ChainRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_chain_requests_total",
			Help: "Chain RPC calls",
		}, []string{"op", "outcome"}),

		ChainRequestDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "empire_chain_request_duration_seconds",
			Help:    "Chain RPC latency",
			Buckets: rpcBuckets,
		}, []string{"op"}),

		ChainConfirmTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_chain_confirm_timeouts_total",
			Help: "Confirmations abandoned at the deadline",
		}),

		ChainFallbackUsed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_chain_fallback_requests_total",
			Help: "Requests served by a fallback node URL",
		}),

		// Reconciliation
		ReconcileRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_reconcile_total",
			Help: "Per-account reconciliations",
		}, []string{"outcome"}),

		ReconcileRowsChanged: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_reconcile_rows_total",
			Help: "Business rows changed by reconciliation",
		}, []string{"change"}),

		DiscrepanciesDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_reconcile_discrepancies_total",
			Help: "Reconciliations with ledger/replica invested mismatch",
		}),

		DiscrepancyMicros: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "empire_reconcile_discrepancy_micros",
			Help: "Absolute discrepancy of the last mismatching account",
		}),

		// Oracle
		OracleRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_oracle_refreshes_total",
			Help: "Price refresh attempts",
		}, []string{"outcome"}),

		OracleStaleServe: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_oracle_stale_served_total",
			Help: "Reads served from a stale cached price",
		}),

		OraclePriceAge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "empire_oracle_price_age_seconds",
			Help: "Age of the cached reference price",
		}),

		// Notifications
		NotificationsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_notifications_published_total",
			Help: "Notifications handed to the outbound transport",
		}, []string{"kind"}),

		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_notifications_dropped_total",
			Help: "Notifications dropped on full queue",
		}),

		// Ingestion
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_ingest_events_applied_total",
			Help: "Chain events applied to the replica",
		}, []string{"event_type"}),

		EventsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_ingest_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		EventsStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_ingest_stale_total",
			Help: "Events skipped for stale chain height",
		}, []string{"event_type"}),

		EventsMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_ingest_malformed_total",
			Help: "Undecodable events dropped",
		}),

		ApplyBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "empire_ingest_apply_duration_seconds",
			Help:    "Replica write duration per event",
			Buckets: dbBuckets,
		}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "empire_ingest_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "empire_ingest_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		// Channels & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "empire_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "empire_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "empire_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// Admin API
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empire_api_requests_total",
			Help: "Admin API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "empire_api_request_duration_seconds",
			Help:    "Admin API latency",
			Buckets: dbBuckets,
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
