package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cdpledger/crypto"
)

// CDPMetrics bundles the collectors recorded by the position engine, the
// liquidator and the price oracle registry.
type CDPMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	feesAccrued  *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	penalties    *prometheus.CounterVec
	oracle       *prometheus.CounterVec
}

// HTTPMetrics records request outcomes of the service API.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	cdpMetricsOnce sync.Once
	cdpRegistry    *CDPMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// CDP returns the lazily-initialised engine metrics registered on the default
// prometheus registry.
func CDP() *CDPMetrics {
	cdpMetricsOnce.Do(func() {
		cdpRegistry = NewCDPMetrics(prometheus.DefaultRegisterer)
	})
	return cdpRegistry
}

// NewCDPMetrics builds engine collectors and registers them on reg. Tests pass
// a fresh prometheus.NewRegistry().
func NewCDPMetrics(reg prometheus.Registerer) *CDPMetrics {
	m := &CDPMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Position operations segmented by operation, asset, outcome and rejection reason.",
		}, []string{"op", "asset", "outcome", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cdp",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for position operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		feesAccrued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "engine",
			Name:      "fees_accrued_total",
			Help:      "Stability fees folded into debt, in base units of the stable token.",
		}, []string{"asset"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "liquidation",
			Name:      "liquidations_total",
			Help:      "Completed liquidations segmented by asset.",
		}, []string{"asset"}),
		penalties: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "liquidation",
			Name:      "penalty_total",
			Help:      "Liquidation penalties assessed, in base units of the stable token.",
		}, []string{"asset"}),
		oracle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "oracle",
			Name:      "verifications_total",
			Help:      "Price proof verifications segmented by asset, verifier kind and outcome.",
		}, []string{"asset", "kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.feesAccrued, m.liquidations, m.penalties, m.oracle)
	}
	return m
}

// ObserveOperation records the outcome of an engine operation. An empty
// reason means success.
func (m *CDPMetrics) ObserveOperation(op, asset, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if reason != "" {
		outcome = "rejected"
	}
	m.operations.WithLabelValues(op, labelAsset(asset), outcome, reason).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveFeeAccrued adds a fee folded into a position's debt.
func (m *CDPMetrics) ObserveFeeAccrued(asset string, fee *big.Int) {
	if m == nil || fee == nil || fee.Sign() <= 0 {
		return
	}
	m.feesAccrued.WithLabelValues(labelAsset(asset)).Add(bigToFloat(fee))
}

// ObserveLiquidation counts a settled liquidation and its penalty.
func (m *CDPMetrics) ObserveLiquidation(asset string, debt, penalty *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.liquidations.WithLabelValues(label).Inc()
	if penalty != nil && penalty.Sign() > 0 {
		m.penalties.WithLabelValues(label).Add(bigToFloat(penalty))
	}
}

// ObserveOracle matches oracle.Observer and counts verification outcomes.
func (m *CDPMetrics) ObserveOracle(asset crypto.Address, kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	m.oracle.WithLabelValues(labelAsset(asset.String()), kind, outcome).Inc()
}

// HTTP returns the lazily-initialised API metrics registered on the default
// prometheus registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = NewHTTPMetrics(prometheus.DefaultRegisterer)
	})
	return httpRegistry
}

// NewHTTPMetrics builds API collectors and registers them on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests segmented by route and status code.",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cdp",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for API handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "api",
			Name:      "throttles_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.throttles)
	}
	return m
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *HTTPMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = strings.TrimSpace(route)
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a request rejected by rate limiting.
func (m *HTTPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(route).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
