package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_turns_total",
			Help: "Total number of finished assistant turns by terminal state",
		},
		[]string{"model", "state"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatcore_turn_duration_seconds",
			Help:    "Assistant turn duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_tokens_total",
			Help: "Total number of tokens reported by upstream usage records",
		},
		[]string{"model", "type"},
	)

	PremiumUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_premium_units_total",
			Help: "Premium request units consumed",
		},
		[]string{"model"},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	ToolRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatcore_tool_rounds",
			Help:    "Request/response round-trips per assistant turn",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	CatalogFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_catalog_fetches_total",
			Help: "Model catalog network fetches",
		},
		[]string{"status"},
	)

	CatalogLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_catalog_lookups_total",
			Help: "Model catalog resolutions by outcome (hit, miss, shared)",
		},
		[]string{"outcome"},
	)

	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_protocol_errors_total",
			Help: "Malformed stream frames skipped by the decoder",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatcore_active_streams",
			Help: "Number of in-flight upstream chat streams",
		},
	)

	QuotaUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatcore_quota_usage_ratio",
			Help: "Premium request quota usage ratio (0-1+)",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatcore_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	StoreEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_store_evictions_total",
			Help: "Conversations dropped by the store to stay within its size bound",
		},
		[]string{"backend"},
	)
)

func RecordTurn(model, state string, durationSec float64) {
	TurnsTotal.WithLabelValues(model, state).Inc()
	TurnDuration.WithLabelValues(model).Observe(durationSec)
}

func RecordTokens(model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

func RecordPremiumUnits(model string, units float64) {
	if units <= 0 {
		return
	}
	PremiumUnitsTotal.WithLabelValues(model).Add(units)
}

func RecordToolCall(tool, status string) {
	ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

func RecordToolRounds(rounds int) {
	ToolRounds.Observe(float64(rounds))
}

func RecordCatalogFetch(status string) {
	CatalogFetches.WithLabelValues(status).Inc()
}

func RecordCatalogLookup(outcome string) {
	CatalogLookups.WithLabelValues(outcome).Inc()
}

func RecordProtocolError() {
	ProtocolErrors.Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}

func SetQuotaUsage(ratio float64) {
	QuotaUsageRatio.Set(ratio)
}

func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func RecordStoreEviction(backend string, n int) {
	StoreEvictions.WithLabelValues(backend).Add(float64(n))
}
