// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// TradesTotal counts executed trades, partitioned by kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradeVolume tracks cumulative traded size by kind.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trade_volume_total",
		Help: "Cumulative traded size in contracts",
	}, []string{"kind"})

	// LiquidationsTotal counts liquidation stage transitions.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Liquidation state transitions by stage and method",
	}, []string{"stage", "method"})

	// ADLRunsTotal counts auto-deleveraging runs by outcome.
	ADLRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_adl_runs_total",
		Help: "Auto-deleveraging runs",
	}, []string{"result"})

	// InsuranceFundBalance is the fund balance after the last movement.
	InsuranceFundBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_insurance_fund_balance",
		Help: "Insurance fund balance",
	})

	// MarkPrice is the current mark price.
	MarkPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_mark_price",
		Help: "Current mark price",
	})

	// ZeroSumViolations counts failed zero-sum checks. Anything above zero
	// is a bug.
	ZeroSumViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_zero_sum_violations_total",
		Help: "Zero-sum invariant violations",
	})

	// RiskRejections counts orders rejected by validation or risk limits.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_order_rejections_total",
		Help: "Orders rejected before reaching the book",
	}, []string{"reason"})

	// MessageLatency tracks engine message handling time by type.
	MessageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_message_latency_seconds",
		Help:    "Engine message handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observe updates collectors from a batch of engine events.
func Observe(events []model.Event) {
	for _, ev := range events {
		switch d := ev.Data.(type) {
		case model.Trade:
			TradesTotal.WithLabelValues(string(d.Kind)).Inc()
			TradeVolume.WithLabelValues(string(d.Kind)).Add(d.Size.InexactFloat64())
		case model.LiquidationEvent:
			LiquidationsTotal.WithLabelValues(string(d.Stage), string(d.Method)).Inc()
		case model.ADLEvent:
			result := "failed"
			if d.Success {
				result = "closed"
			} else if len(d.Trades) > 0 {
				result = "partial"
			}
			ADLRunsTotal.WithLabelValues(result).Inc()
		case model.FundEvent:
			InsuranceFundBalance.Set(d.Entry.BalanceAfter.InexactFloat64())
		case model.InvariantEvent:
			ZeroSumViolations.Inc()
		case decimal.Decimal:
			if ev.Type == model.EventMarkPrice {
				MarkPrice.Set(d.InexactFloat64())
			}
		}
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
