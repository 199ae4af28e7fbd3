package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callbacksReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "callbacks_received_total",
			Help:      "Total number of gateway callbacks received.",
		},
		[]string{"gateway", "outcome"}, // outcome: "accepted", "rejected_auth", "rejected_payload", "unknown_routing", "persistence_error"
	)

	settlementsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "settlements_total",
			Help:      "Total number of settlement attempts by target and outcome.",
		},
		[]string{"target", "outcome"}, // outcome: "settled", "duplicate", "unmatched", "failed"
	)

	callbackProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reconciler",
			Name:      "callback_processing_duration_seconds",
			Help:      "Duration of full callback processing, verification through settlement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"gateway"},
	)

	vouchersExpiredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "vouchers_expired_total",
			Help:      "Total number of vouchers moved to EXPIRED by the sweeper.",
		},
	)

	smsDispatchCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "sms_dispatch_total",
			Help:      "Total number of SMS dispatch attempts to the SmsService subject.",
		},
		[]string{"status"}, // "published", "error"
	)
)
