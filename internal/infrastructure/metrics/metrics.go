// Package metrics provides Prometheus instrumentation for the preloader.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RefreshTotal counts preload/refresh runs by outcome (applied, failed, discarded, skipped).
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "preloader_refresh_total",
		Help: "Total preload and refresh runs by outcome",
	}, []string{"outcome"})

	// RefreshDuration tracks how long a fetch-and-store sequence takes.
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "preloader_refresh_duration_seconds",
		Help:    "Duration of a fetch-and-store sequence in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// CacheLastUpdated is the unix time of the last applied snapshot (0 when empty).
	CacheLastUpdated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "preloader_cache_last_updated_timestamp_seconds",
		Help: "Unix time of the last applied snapshot",
	})

	// SessionState exposes the scheduler state as a number (0 unauthenticated .. 3 stale).
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "preloader_session_state",
		Help: "Refresh scheduler state (0=unauthenticated, 1=loading, 2=ready, 3=stale)",
	})

	// PriceSourceErrors counts price source failures by source and error kind.
	PriceSourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "preloader_price_source_errors_total",
		Help: "Price source failures by source and kind",
	}, []string{"source", "kind"})

	// OfflineLookups counts offline store lookups by strategy and result.
	OfflineLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "preloader_offline_lookups_total",
		Help: "Offline fallback store lookups by strategy and result",
	}, []string{"strategy", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "preloader_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "preloader_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "preloader_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics for gin routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Use the route pattern to avoid high cardinality; unmatched routes go to the proxy.
		route := c.FullPath()
		if route == "" {
			route = "proxy"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
