package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "The total number of relay requests processed",
	}, []string{"operation", "status"})

	FundingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_funding_total",
		Help: "Gas funding transfers attempted via the gas payer contract",
	}, []string{"status"})

	ValidationRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_validation_rejects_total",
		Help: "Total gas policy rejections",
	}, []string{"reason"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "Total authentication and IP whitelist rejections",
	}, []string{"reason"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
