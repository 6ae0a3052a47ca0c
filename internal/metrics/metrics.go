// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MarketsCreated counts markets created, partitioned by ledger role.
	MarketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_markets_created_total",
		Help: "Total number of markets created",
	}, []string{"role"})

	// BetsPlaced counts accepted bets.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_bets_placed_total",
		Help: "Total number of bets accepted",
	}, []string{"role"})

	// BetLatency tracks PlaceBet latency including the store write.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_bet_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"role"})

	// MarketsResolved counts resolutions by source (oracle or message).
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_markets_resolved_total",
		Help: "Total number of markets resolved",
	}, []string{"role", "source"})

	// ClaimsPaid counts successful claims.
	ClaimsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_claims_paid_total",
		Help: "Total number of claims paid",
	}, []string{"role"})

	// OracleRequests counts settlement requests by result.
	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_oracle_requests_total",
		Help: "Oracle settlement requests by result",
	}, []string{"result"})

	// OraclePolls counts polls by result (pending, resolved, rejected, error).
	OraclePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_oracle_polls_total",
		Help: "Oracle polls by result",
	}, []string{"result"})

	// MessagesSent counts outbound cross-chain messages by result.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_messages_sent_total",
		Help: "Outbound cross-chain messages by result",
	}, []string{"result"})

	// MessagesReceived counts inbound messages by result (applied, duplicate, error).
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_messages_received_total",
		Help: "Inbound cross-chain messages by result",
	}, []string{"result"})

	// TransportEvents counts inbound broker activity: "consumed" or a failed
	// phase (fetch, handle, rejected, commit, dead_letter).
	TransportEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_transport_events_total",
		Help: "Inbound transport events by kind",
	}, []string{"event"})

	// EscrowBalance is the last observed escrow balance in ether.
	EscrowBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_escrow_balance_ether",
		Help: "Escrow balance available for oracle rewards and bonds",
	})

	// OpenMarkets tracks markets not yet resolved, refreshed by the lifecycle worker.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_open_markets",
		Help: "Number of unresolved markets",
	})

	// LifecycleTicks counts worker passes by result.
	LifecycleTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_lifecycle_ticks_total",
		Help: "Lifecycle worker passes",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ArchiveUploads counts audit snapshot uploads by result.
	ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_archive_uploads_total",
		Help: "Audit snapshot uploads by result",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
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

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
