// Package metrics defines the Prometheus instrumentation for the bot.
//
// Collectors are registered on the default registry at init time and
// exported at /metrics on the status server. Label cardinality is kept
// low: strategy names, endpoint names, and coarse outcome classes only.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polytrader"

var (
	// ExchangeRequests counts outbound REST calls by endpoint and outcome
	// ("ok", "error", "throttled").
	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exchange_requests_total",
		Help:      "Outbound exchange REST requests.",
	}, []string{"endpoint", "outcome"})

	// ExchangeLatency observes REST round-trip time per endpoint.
	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exchange_request_seconds",
		Help:      "Exchange REST request latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})

	// SignalsEmitted counts signals produced by each strategy.
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_emitted_total",
		Help:      "Trade signals emitted by strategy.",
	}, []string{"strategy"})

	// SignalsRejected counts risk gate rejections by reason.
	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_rejected_total",
		Help:      "Signals rejected by the risk gate.",
	}, []string{"strategy", "reason"})

	// OrdersSubmitted counts orders that reached the exchange.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_submitted_total",
		Help:      "Orders submitted to the exchange.",
	}, []string{"strategy", "side"})

	// OrdersFailed counts orders that ended in a failed state.
	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_failed_total",
		Help:      "Orders that failed after submission.",
	}, []string{"strategy", "reason"})

	// FillsRecorded counts confirmed fills persisted to the store.
	FillsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_recorded_total",
		Help:      "Confirmed fills persisted.",
	}, []string{"strategy"})

	// QueueDepth is the current order queue length.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "order_queue_depth",
		Help:      "Signals waiting in the order queue.",
	})

	// OpenPositions is the current number of open or closing positions,
	// set by the portfolio tracker on each refresh.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_positions",
		Help:      "Positions currently open or closing.",
	})

	// PortfolioValue is the last computed total portfolio value in USD.
	PortfolioValue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "portfolio_value_usd",
		Help:      "Cash balance plus marked position value.",
	})

	// DailyPnL is realized plus unrealized P&L for the current UTC day.
	DailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "daily_pnl_usd",
		Help:      "Realized plus unrealized P&L since the UTC day start.",
	})

	// KillSwitch is 1 while the kill switch is active.
	KillSwitch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "kill_switch_active",
		Help:      "1 when trading is halted by the kill switch.",
	})

	// WSReconnects counts market data WebSocket reconnect attempts.
	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_reconnects_total",
		Help:      "Market WebSocket reconnect attempts.",
	})

	// WSLastEvent is the unix timestamp of the last WebSocket message.
	WSLastEvent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_last_event_timestamp",
		Help:      "Unix time of the most recent WebSocket message.",
	})

	// WatchlistSize is the number of markets selected by the last scan.
	WatchlistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scanner_watchlist_size",
		Help:      "Markets currently on the scanner watchlist.",
	})

	// ArbOpportunities counts detected parity gaps, split by whether they
	// were large enough to trade.
	ArbOpportunities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arb_opportunities_total",
		Help:      "YES+NO parity gaps detected by the arb scanner.",
	}, []string{"executable"})

	// StinkBidsResting is the number of stink bids currently on the book.
	StinkBidsResting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stink_bids_resting",
		Help:      "Stink bids currently resting on the book.",
	})
)

// Handler returns the HTTP handler that serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
