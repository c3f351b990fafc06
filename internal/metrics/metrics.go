// Package metrics exposes Prometheus metrics for the pipeline processes.
//
// Primary metrics updated during operation:
//   - conductor_signals_total{outcome}        – signals by outcome (ingested|processed|rejected)
//   - conductor_orders_total{status,broker}   – order lifecycle transitions
//   - conductor_positions_total{transition}   – position transitions (opened|scaled|closed|flipped)
//   - conductor_bus_messages_total{topic,op}  – durable topic traffic (published|delivered|redelivered)
//   - conductor_bus_depth{topic}              – pending messages per topic (gauge)
//   - conductor_broker_connected{broker}      – adapter connection state (gauge)
//   - conductor_broker_errors_total{broker,kind} – broker call failures
//   - conductor_margin_preview_seconds        – broker margin preview latency (histogram)
//   - conductor_signal_roundtrip_seconds      – decision to execution confirmation (histogram)
//
// All metrics are registered in init() and served by the ops HTTP server
// at /metrics (Prometheus text exposition format).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_signals_total",
			Help: "Signals by outcome",
		},
		[]string{"outcome"}, // ingested|processed|rejected
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_orders_total",
			Help: "Order lifecycle transitions",
		},
		[]string{"status", "broker"},
	)

	positions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_positions_total",
			Help: "Position transitions",
		},
		[]string{"transition"}, // opened|scaled|closed|flipped
	)

	busMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_bus_messages_total",
			Help: "Durable topic traffic",
		},
		[]string{"topic", "op"}, // op: published|delivered|redelivered
	)

	busDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_bus_depth",
			Help: "Pending messages per topic",
		},
		[]string{"topic"},
	)

	brokerConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_broker_connected",
			Help: "Adapter connection state (1 connected, 0 disconnected)",
		},
		[]string{"broker"},
	)

	brokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_broker_errors_total",
			Help: "Broker call failures by kind",
		},
		[]string{"broker", "kind"}, // kind: connection|rejected|invalid_symbol|api
	)

	accountNetLiq = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_account_net_liquidation",
			Help: "Last polled net liquidation value per account",
		},
		[]string{"account_id"},
	)

	marginPreviewSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_margin_preview_seconds",
			Help:    "Broker margin preview latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 35},
		},
	)

	signalRoundtripSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_signal_roundtrip_seconds",
			Help:    "Order creation (decision time) to execution confirmation",
			Buckets: prometheus.DefBuckets,
		},
	)

	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_backups_total",
			Help: "Database backup runs by result",
		},
		[]string{"result"}, // success|failure
	)
)

func init() {
	prometheus.MustRegister(signals, orders, positions)
	prometheus.MustRegister(busMessages, busDepth)
	prometheus.MustRegister(brokerConnected, brokerErrors, accountNetLiq)
	prometheus.MustRegister(marginPreviewSeconds, signalRoundtripSeconds)
	prometheus.MustRegister(backups)
}

// Helper setters used across the pipeline modules.

func IncSignal(outcome string) { signals.WithLabelValues(outcome).Inc() }

func IncOrder(status, broker string) { orders.WithLabelValues(status, broker).Inc() }

func IncPosition(transition string) { positions.WithLabelValues(transition).Inc() }

func IncBusPublished(topic string)   { busMessages.WithLabelValues(topic, "published").Inc() }
func IncBusDelivered(topic string)   { busMessages.WithLabelValues(topic, "delivered").Inc() }
func IncBusRedelivered(topic string) { busMessages.WithLabelValues(topic, "redelivered").Inc() }

func SetBusDepth(topic string, depth int) {
	busDepth.WithLabelValues(topic).Set(float64(depth))
}

func SetBrokerConnected(broker string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	brokerConnected.WithLabelValues(broker).Set(v)
}

func IncBrokerError(broker, kind string) { brokerErrors.WithLabelValues(broker, kind).Inc() }

func SetAccountNetLiquidation(accountID string, value float64) {
	accountNetLiq.WithLabelValues(accountID).Set(value)
}

func ObserveMarginPreview(d time.Duration) { marginPreviewSeconds.Observe(d.Seconds()) }

func ObserveSignalRoundtrip(d time.Duration) { signalRoundtripSeconds.Observe(d.Seconds()) }

func IncBackup(result string) { backups.WithLabelValues(result).Inc() }
