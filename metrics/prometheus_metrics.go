//go:build metrics

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	admissionDenialsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bmc_admission_denials_total",
		Help: "budget.denials: order admissions rejected by the budget controller",
	})

	orderSubmissionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bmc_order_submissions_total",
		Help: "orders.submitted: algorithmic orders sent to the gateway",
	}, []string{"ticker"})

	orderFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bmc_order_failures_total",
		Help: "orders.failures: gateway rejections and placement timeouts",
	}, []string{"ticker"})

	levelTriggersCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bmc_level_triggers_total",
		Help: "risk.level_triggers: exit levels transitioning PENDING→TRIGGERED",
	}, []string{"level"})

	signalSuppressionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bmc_signal_suppressions_total",
		Help: "signals.suppressed: signals stopped by a gate, keyed by reason",
	}, []string{"ticker", "reason"})

	decisionCycleLatencyGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bmc_decision_cycle_latency_ms",
		Help: "strategy.cycle_latency_ms: duration of the latest decision cycle",
	}, []string{"ticker"})

	openPositionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bmc_open_positions",
		Help: "positions.open: positions currently managed by a risk manager",
	})

	ledgerPersistFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bmc_ledger_persist_failures_total",
		Help: "ledger.persist_failures: errors writing closed positions to storage",
	})

	ledgerPersistLatencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bmc_ledger_persist_latency_ms",
		Help: "ledger.persist_latency_ms: time spent flushing ledger batches",
	})

	quoteFeedConnectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bmc_quote_feed_connected",
		Help: "feed.connected: 1 when the quote feed websocket is up",
	})
)

func init() {
	prometheus.MustRegister(
		admissionDenialsCounter,
		orderSubmissionsCounter,
		orderFailuresCounter,
		levelTriggersCounter,
		signalSuppressionsCounter,
		decisionCycleLatencyGauge,
		openPositionsGauge,
		ledgerPersistFailuresCounter,
		ledgerPersistLatencyGauge,
		quoteFeedConnectedGauge,
	)
}

func IncAdmissionDenials() {
	admissionDenialsCounter.Inc()
}

func IncOrderSubmissions(ticker string) {
	orderSubmissionsCounter.WithLabelValues(ticker).Inc()
}

func IncOrderFailures(ticker string) {
	orderFailuresCounter.WithLabelValues(ticker).Inc()
}

func IncLevelTriggers(level string) {
	levelTriggersCounter.WithLabelValues(level).Inc()
}

func IncSignalSuppressions(ticker, reason string) {
	signalSuppressionsCounter.WithLabelValues(ticker, reason).Inc()
}

func ObserveDecisionCycleLatency(ticker string, duration time.Duration) {
	decisionCycleLatencyGauge.WithLabelValues(ticker).Set(duration.Seconds() * 1000)
}

func SetOpenPositions(n int) {
	openPositionsGauge.Set(float64(n))
}

func IncLedgerPersistFailures() {
	ledgerPersistFailuresCounter.Inc()
}

func ObserveLedgerPersistLatency(duration time.Duration) {
	ledgerPersistLatencyGauge.Set(duration.Seconds() * 1000)
}

func SetQuoteFeedConnected(connected bool) {
	if connected {
		quoteFeedConnectedGauge.Set(1)
		return
	}
	quoteFeedConnectedGauge.Set(0)
}
