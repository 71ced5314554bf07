// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus instrumentation for the provider
// gateway: per-provider request/error counters and latency histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentworks_gateway_requests_total",
			Help: "Total number of LLM requests routed by the gateway",
		},
		[]string{"provider", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentworks_gateway_request_duration_milliseconds",
			Help:    "LLM request duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentworks_gateway_tokens_total",
			Help: "Total tokens processed, split by direction",
		},
		[]string{"provider", "direction"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentworks_gateway_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

// RecordRequest updates the request counters and latency histogram for
// one completed (or failed) dispatch.
func RecordRequest(provider, status string, latency time.Duration) {
	RequestsTotal.WithLabelValues(provider, status).Inc()
	RequestDuration.WithLabelValues(provider).Observe(float64(latency.Milliseconds()))
}

// RecordTokens updates the token counters for a completed request.
func RecordTokens(provider string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
}
