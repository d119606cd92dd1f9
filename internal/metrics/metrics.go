// Package metrics provides Prometheus instrumentation for the exchange
// simulator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FillsTotal counts order fills, partitioned by side and origin.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exsim_fills_total",
		Help: "Total number of order fills",
	}, []string{"side", "origin"})

	// FilledShares tracks cumulative filled volume per stock.
	FilledShares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exsim_filled_shares_total",
		Help: "Cumulative filled volume in shares",
	}, []string{"stock_id", "side"})

	// OrderRejections counts rejected order and short requests by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exsim_order_rejections_total",
		Help: "Order and short requests rejected by validation",
	}, []string{"reason"})

	// TickDuration tracks how long one room tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exsim_tick_duration_seconds",
		Help:    "Room tick processing time in seconds",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	// OpenShortPositions tracks open short positions across rooms.
	OpenShortPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exsim_open_short_positions",
		Help: "Number of open short positions",
	})

	// MarginCalls counts margin calls by reason.
	MarginCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exsim_margin_calls_total",
		Help: "Margin calls raised",
	}, []string{"reason"})

	// Liquidations counts forced liquidations.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exsim_liquidations_total",
		Help: "Short positions force-liquidated",
	})

	// DividendsPaid counts dividend cash paid out.
	DividendsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exsim_dividends_paid_total",
		Help: "Dividend cash paid to players",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exsim_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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
