package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DeskSim.
type Metrics struct {
	// --- Engine loop ---
	TicksProcessed  *prometheus.CounterVec
	TickDuration    *prometheus.HistogramVec
	CommandsApplied *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	InboxSize       prometheus.Gauge
	InboxCapacity   prometheus.Gauge
	FeedSequence    *prometheus.GaugeVec
	StaleTicks      *prometheus.CounterVec

	// --- Trading ---
	OrdersPlaced    *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	Liquidations    *prometheus.CounterVec
	BotRequotes     *prometheus.CounterVec

	// --- Portfolio ---
	NetWorth     *prometheus.GaugeVec
	PortfolioPnL *prometheus.GaugeVec

	// --- Persistence ---
	SnapshotsTaken   prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotErrors   prometheus.Counter
	SnapshotDrops    prometheus.Counter

	// --- API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	WSClients    prometheus.Gauge
}

// NewMetrics registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	tickBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	httpBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		TicksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_ticks_processed_total",
			Help: "Price ticks applied by the engine loop.",
		}, []string{"pair"}),
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "desksim_tick_duration_seconds",
			Help:    "Wall time to run the full tick pipeline.",
			Buckets: tickBuckets,
		}, []string{"pair"}),
		CommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_commands_applied_total",
			Help: "Commands that mutated account state.",
		}, []string{"kind"}),
		CommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_commands_rejected_total",
			Help: "Commands rejected by validation.",
		}, []string{"kind", "reason"}),
		InboxSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "desksim_inbox_size",
			Help: "Current depth of the engine inbox channel.",
		}),
		InboxCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "desksim_inbox_capacity",
			Help: "Capacity of the engine inbox channel.",
		}),
		FeedSequence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "desksim_feed_sequence",
			Help: "Last applied feed sequence number per pair.",
		}, []string{"pair"}),
		StaleTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_stale_ticks_total",
			Help: "Ticks dropped because their sequence was not newer.",
		}, []string{"pair"}),

		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_orders_placed_total",
			Help: "Spot orders accepted.",
		}, []string{"pair", "side"}),
		OrdersFilled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_orders_filled_total",
			Help: "Spot orders filled against the feed.",
		}, []string{"pair", "side"}),
		OrdersCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_orders_cancelled_total",
			Help: "Spot orders cancelled.",
		}, []string{"pair"}),
		PositionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_positions_opened_total",
			Help: "Futures positions opened.",
		}, []string{"pair", "side"}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_positions_closed_total",
			Help: "Futures positions closed, by trigger.",
		}, []string{"pair", "trigger"}),
		Liquidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_liquidations_total",
			Help: "Futures positions force-closed at the liquidation price.",
		}, []string{"pair"}),
		BotRequotes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_bot_requotes_total",
			Help: "Market-maker requote cycles executed.",
		}, []string{"pair"}),

		NetWorth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "desksim_net_worth_usdt",
			Help: "Portfolio net worth in USDT terms, per account mode.",
		}, []string{"mode"}),
		PortfolioPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "desksim_portfolio_pnl_usdt",
			Help: "Net worth minus the funded baseline, per account mode.",
		}, []string{"mode"}),

		SnapshotsTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "desksim_snapshots_taken_total",
			Help: "Snapshots persisted.",
		}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "desksim_snapshot_duration_seconds",
			Help:    "Wall time to persist one snapshot.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		SnapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "desksim_snapshot_errors_total",
			Help: "Snapshot writes that failed.",
		}),
		SnapshotDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "desksim_snapshot_drops_total",
			Help: "Snapshots superseded before the worker could write them.",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "desksim_http_requests_total",
			Help: "HTTP API requests.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "desksim_http_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: httpBuckets,
		}, []string{"route", "method"}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "desksim_ws_clients",
			Help: "Connected websocket stream clients.",
		}),
	}
}
