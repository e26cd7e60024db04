package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk core.
type Metrics struct {
	// --- Risk engine ---
	RiskTicks          *prometheus.CounterVec // driver: event|safety_net
	RiskTickDuration   *prometheus.HistogramVec
	RiskSanitySkips    *prometheus.CounterVec // reason: no_mark|price_ratio|pnl_bound
	PositionsByTier    *prometheus.GaugeVec

	// --- Liquidation ---
	LiquidationsTotal   *prometheus.CounterVec // outcome: penalty|bankruptcy
	LiquidationDeficit  *prometheus.CounterVec
	LiquidationDuration prometheus.Histogram

	// --- ADL & socialization ---
	ADLExecutions       *prometheus.CounterVec
	ADLAmountConsumed   *prometheus.CounterVec
	ADLPositionsClosed  *prometheus.CounterVec
	SocializedLoss      *prometheus.CounterVec
	PlatformAbsorbed    *prometheus.CounterVec

	// --- Insurance fund ---
	InsuranceBalance      *prometheus.GaugeVec // pool: global|<instrument>
	InsuranceContributed  *prometheus.CounterVec
	InsurancePaid         *prometheus.CounterVec

	// --- Funding ---
	FundingSettlements *prometheus.CounterVec
	FundingCollected   *prometheus.CounterVec
	FundingRate        *prometheus.GaugeVec
	FundingVolatility  *prometheus.GaugeVec

	// --- Margin accountant ---
	BalanceMutations *prometheus.CounterVec // op label
	LockAcquireFail  *prometheus.CounterVec
	LockWaitDuration prometheus.Histogram

	// --- Snapshot & withdrawals ---
	SnapshotsTaken      prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotLeafCount   prometheus.Gauge
	SnapshotsSkipped    prometheus.Counter
	WithdrawalsIssued   prometheus.Counter
	WithdrawalsRejected *prometheus.CounterVec // reason label
	RootSubmitFailures  prometheus.Counter

	// --- Chain worker ---
	ChainTasks       *prometheus.CounterVec // kind, status
	ChainTaskRetries prometheus.Counter

	// --- Ingest ---
	TradesIngested *prometheus.CounterVec
	PriceUpdates   *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	tickBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
	}

	return &Metrics{
		RiskTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_risk_ticks_total",
			Help: "Risk recompute passes",
		}, []string{"driver"}),

		RiskTickDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskcore_risk_tick_duration_seconds",
			Help:    "Time to recompute margin health",
			Buckets: tickBuckets,
		}, []string{"driver"}),

		RiskSanitySkips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_risk_sanity_skips_total",
			Help: "Positions skipped by sanity guards",
		}, []string{"reason"}),

		PositionsByTier: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_positions_by_tier",
			Help: "Open positions per risk tier",
		}, []string{"tier"}),

		LiquidationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_liquidations_total",
			Help: "Liquidations executed",
		}, []string{"instrument", "outcome"}),

		LiquidationDeficit: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_liquidation_deficit_total",
			Help: "Bankruptcy deficit (quote units)",
		}, []string{"instrument"}),

		LiquidationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskcore_liquidation_duration_seconds",
			Help:    "Time from candidate selection to committed liquidation",
			Buckets: tickBuckets,
		}),

		ADLExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_adl_executions_total",
			Help: "ADL passes",
		}, []string{"instrument"}),

		ADLAmountConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_adl_amount_consumed_total",
			Help: "Value consumed from counter-parties (quote units)",
		}, []string{"instrument"}),

		ADLPositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_adl_positions_closed_total",
			Help: "Counter-party positions fully closed by ADL",
		}, []string{"instrument"}),

		SocializedLoss: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_socialized_loss_total",
			Help: "Loss socialized across profitable positions (quote units)",
		}, []string{"instrument"}),

		PlatformAbsorbed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_platform_absorbed_total",
			Help: "Residual loss absorbed by the platform (quote units)",
		}, []string{"instrument"}),

		InsuranceBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_insurance_balance",
			Help: "Insurance fund balance per pool",
		}, []string{"pool"}),

		InsuranceContributed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_insurance_contributed_total",
			Help: "Contributions to the insurance fund",
		}, []string{"pool", "source"}),

		InsurancePaid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_insurance_paid_total",
			Help: "Payouts from the insurance fund",
		}, []string{"pool"}),

		FundingSettlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_funding_settlements_total",
			Help: "Funding settlements executed",
		}, []string{"instrument"}),

		FundingCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_funding_collected_total",
			Help: "Funding fees collected (quote units)",
		}, []string{"instrument"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_funding_rate",
			Help: "Current smoothed funding rate (rate scale)",
		}, []string{"instrument"}),

		FundingVolatility: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_funding_volatility",
			Help: "Rolling price volatility (ratio scale)",
		}, []string{"instrument"}),

		BalanceMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_balance_mutations_total",
			Help: "Balance operations through the margin accountant",
		}, []string{"op"}),

		LockAcquireFail: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_lock_acquire_fail_total",
			Help: "Keyed lock acquisitions exhausted (system busy)",
		}, []string{"scope"}),

		LockWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskcore_lock_wait_duration_seconds",
			Help:    "Time spent waiting for a keyed lock",
			Buckets: tickBuckets,
		}),

		SnapshotsTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_snapshots_taken_total",
			Help: "Equity snapshots built",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskcore_snapshot_duration_seconds",
			Help:    "Snapshot build time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotLeafCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskcore_snapshot_leaf_count",
			Help: "Leaves in the latest equity snapshot",
		}),

		SnapshotsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_snapshots_skipped_total",
			Help: "Snapshot runs skipped because one was in progress",
		}),

		WithdrawalsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_withdrawals_issued_total",
			Help: "Withdrawal authorizations signed",
		}),

		WithdrawalsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_withdrawals_rejected_total",
			Help: "Withdrawal requests rejected",
		}, []string{"reason"}),

		RootSubmitFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_root_submit_failures_total",
			Help: "Best-effort on-chain root submissions that failed",
		}),

		ChainTasks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_chain_tasks_total",
			Help: "Background chain tasks by kind and status",
		}, []string{"kind", "status"}),

		ChainTaskRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_chain_task_retries_total",
			Help: "Chain task retry attempts",
		}),

		TradesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_trades_ingested_total",
			Help: "Matched trades consumed from the matching engine",
		}, []string{"instrument"}),

		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_price_updates_total",
			Help: "Mark price changes consumed",
		}, []string{"instrument"}),

		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_events_dropped_total",
			Help: "Bus events dropped on slow subscribers",
		}, []string{"topic"}),
	}
}
