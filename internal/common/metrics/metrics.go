// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membergate_verifications_total",
			Help: "Total number of verification passes by result",
		},
		[]string{"result"},
	)

	VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "membergate_verification_duration_seconds",
			Help: "Duration of a full verification pass in seconds",
		},
		[]string{"result"},
	)

	ChannelChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membergate_channel_checks_total",
			Help: "Total number of per-channel membership checks by source and state",
		},
		[]string{"source", "state"},
	)

	OracleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membergate_oracle_calls_total",
			Help: "Total number of membership oracle calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	CacheDegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "membergate_cache_degraded_total",
			Help: "Total number of cache operations absorbed as misses due to errors",
		},
	)

	RecorderDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "membergate_recorder_dropped_total",
			Help: "Total number of verification outcomes dropped by the recorder",
		},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "membergate_dispatch_queue_depth",
			Help: "Number of events waiting in the dispatch queue",
		},
	)
)
