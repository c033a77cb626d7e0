// Package telemetry wires tracing and Prometheus metrics for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so packages can be used without a registry.
type Metrics struct {
	rpcRequests       *prometheus.CounterVec
	cacheRefreshes    *prometheus.CounterVec
	decodeSkipped     *prometheus.CounterVec
	cachedEvents      *prometheus.GaugeVec
	rateLimitRejected *prometheus.CounterVec
	chainQueries      *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "repgw_rpc_requests_total", Help: "JSON-RPC calls by chain, method and outcome"},
			[]string{"chain", "op", "status"},
		),
		cacheRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "repgw_cache_refresh_total", Help: "Event cache refreshes by chain and outcome"},
			[]string{"chain", "status"},
		),
		decodeSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "repgw_decode_skipped_total", Help: "Malformed logs skipped during decode"},
			[]string{"chain"},
		),
		cachedEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "repgw_cached_events", Help: "Feedback events held per chain"},
			[]string{"chain"},
		),
		rateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "repgw_ratelimit_rejected_total", Help: "Requests rejected by a rate limiter"},
			[]string{"limiter"},
		),
		chainQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "repgw_chain_queries_total", Help: "Per-chain outcomes of cross-chain fan-out"},
			[]string{"chain", "status"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
			[]string{"method", "path"},
		),
	}

	reg.MustRegister(
		m.rpcRequests,
		m.cacheRefreshes,
		m.decodeSkipped,
		m.cachedEvents,
		m.rateLimitRejected,
		m.chainQueries,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	)
	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRPC counts one JSON-RPC call.
func (m *Metrics) ObserveRPC(chain domain.ChainID, op string, err error) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(chain.String(), op, status(err)).Inc()
}

// ObserveRefresh counts one cache refresh and its skipped logs.
func (m *Metrics) ObserveRefresh(chain domain.ChainID, skipped int, cached int, err error) {
	if m == nil {
		return
	}
	m.cacheRefreshes.WithLabelValues(chain.String(), status(err)).Inc()
	if err != nil {
		return
	}
	if skipped > 0 {
		m.decodeSkipped.WithLabelValues(chain.String()).Add(float64(skipped))
	}
	m.cachedEvents.WithLabelValues(chain.String()).Set(float64(cached))
}

// ObserveRateLimited counts one rejected request.
func (m *Metrics) ObserveRateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(limiter).Inc()
}

// ObserveChainQuery counts one per-chain task of a fan-out.
func (m *Metrics) ObserveChainQuery(chain domain.ChainID, err error) {
	if m == nil {
		return
	}
	m.chainQueries.WithLabelValues(chain.String(), status(err)).Inc()
}
