package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	claimDuration  *prometheus.HistogramVec
	fundingBalance *prometheus.GaugeVec
}

func newMetricsRegistry() *metricsRegistry {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "faucetd_requests_total",
		Help: "Faucet requests by chain and outcome code",
	}, []string{"chain", "code"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faucetd_claim_duration_seconds",
		Help:    "Wall time from claim receipt to outcome",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"chain"})

	balance := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "faucetd_funding_balance_units",
		Help: "Funding account free balance per chain, in base units",
	}, []string{"chain"})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, duration, balance)

	return &metricsRegistry{
		registry:       r,
		requestsTotal:  requests,
		claimDuration:  duration,
		fundingBalance: balance,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRequest(chain, code string) {
	m.requestsTotal.WithLabelValues(chain, code).Inc()
}

func (m *metricsRegistry) observeClaim(chain string, d time.Duration) {
	m.claimDuration.WithLabelValues(chain).Observe(d.Seconds())
}

func (m *metricsRegistry) setFundingBalance(chain string, balance float64) {
	m.fundingBalance.WithLabelValues(chain).Set(balance)
}
