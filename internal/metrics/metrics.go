// Package metrics provides Prometheus instrumentation for vaultdash.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts aggregator cycles by outcome (applied, stale, cancelled).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultdash_cycles_total",
		Help: "Aggregator cycles by outcome",
	}, []string{"outcome"})

	// CycleDuration tracks how long a full fetch cycle takes to settle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaultdash_cycle_duration_seconds",
		Help:    "Time from cycle start until every read settled",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	})

	// ReadFailures counts individual reads that failed or timed out.
	ReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultdash_read_failures_total",
		Help: "Contract reads that failed or timed out, by vault and field",
	}, []string{"vault", "field"})

	// LastAppliedSeq is the sequence number of the snapshot currently served.
	LastAppliedSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultdash_snapshot_seq",
		Help: "Sequence number of the applied snapshot",
	})

	// TxTotal counts user actions by action and final status.
	TxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultdash_tx_total",
		Help: "User actions by action and status",
	}, []string{"action", "status"})

	// TxConfirmLatency tracks submission-to-receipt time.
	TxConfirmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultdash_tx_confirm_seconds",
		Help:    "Time from submission to a mined receipt",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 180},
	}, []string{"action"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultdash_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultdash_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultdash_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})

	// ArchivedSnapshots counts snapshot rows moved to object storage.
	ArchivedSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultdash_archived_snapshots_total",
		Help: "Snapshot history rows archived to object storage",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics. The route label is the matched
// ServeMux pattern, which keeps cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streamed archive downloads flush through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}
