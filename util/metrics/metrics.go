package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsActive tracks the number of agents currently owned by each shard
	AgentsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradegrid_agents_active",
			Help: "Number of agents currently owned by the shard",
		},
		[]string{"shard"},
	)

	// OrdersOpen tracks the number of resting limit orders per shard and pair
	OrdersOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradegrid_orders_open",
			Help: "Number of resting limit orders in the shard's order books",
		},
		[]string{"shard", "pair"},
	)

	// OrdersTotal counts processed orders by terminal status
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegrid_orders_total",
			Help: "Total number of orders reaching a terminal state",
		},
		[]string{"shard", "type", "status"},
	)

	// TransactionsPending tracks in-flight transactions per gateway shard
	TransactionsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradegrid_transactions_pending",
			Help: "Number of in-flight blockchain transactions on the gateway shard",
		},
		[]string{"shard"},
	)

	// TransactionsTotal counts executed transactions by chain and status
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegrid_transactions_total",
			Help: "Total number of blockchain transactions executed",
		},
		[]string{"shard", "chain", "type", "status"},
	)

	// EventsPublished counts events published to the bus per topic
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegrid_events_published_total",
			Help: "Total number of events published to the event bus",
		},
		[]string{"topic", "status"},
	)

	// EventsConsumed counts events consumed from the bus per topic and group
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegrid_events_consumed_total",
			Help: "Total number of events consumed from the event bus",
		},
		[]string{"topic", "group", "status"},
	)

	// HandlerDuration tracks event handler execution time in seconds
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradegrid_handler_duration_seconds",
			Help:    "Duration of event handler executions in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"topic", "group"},
	)

	// RingNodes tracks the number of physical nodes on the consistent hash ring
	RingNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradegrid_ring_nodes",
			Help: "Number of physical nodes currently on the consistent hash ring",
		},
	)

	// RegistryWatchReconnects counts registry watch stream reconnections
	RegistryWatchReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradegrid_registry_watch_reconnects_total",
			Help: "Total number of registry watch stream reconnections",
		},
	)
)

// RecordOrderTerminal increments the order counter for a terminal status.
func RecordOrderTerminal(shard, orderType, status string) {
	OrdersTotal.WithLabelValues(shard, orderType, status).Inc()
}

// RecordTransaction increments the transaction counter.
func RecordTransaction(shard, chain, txType, status string) {
	TransactionsTotal.WithLabelValues(shard, chain, txType, status).Inc()
}

// RecordEventPublished increments the published-event counter.
func RecordEventPublished(topic, status string) {
	EventsPublished.WithLabelValues(topic, status).Inc()
}

// RecordEventConsumed increments the consumed-event counter.
func RecordEventConsumed(topic, group, status string) {
	EventsConsumed.WithLabelValues(topic, group, status).Inc()
}
