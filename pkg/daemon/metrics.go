package daemon

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/gitopsd/gitopsd/pkg/metrics"
)

var (
	syncDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "gitopsd",
		Subsystem: "daemon",
		Name:      "sync_duration_seconds",
		Help:      "Duration of one reconciliation pass over all applications, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.2, 3, 8), // top bucket ~= 21 minutes
	}, []string{metrics.LabelSuccess})

	pollDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "gitopsd",
		Subsystem: "daemon",
		Name:      "poll_duration_seconds",
		Help:      "Duration of one image promotion poll, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.2, 3, 8),
	}, []string{metrics.LabelSuccess})

	applicationDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "gitopsd",
		Subsystem: "daemon",
		Name:      "application_sync_duration_seconds",
		Help:      "Duration of one application's reconciliation, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{metrics.LabelApplication, metrics.LabelSuccess})

	applications = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "gitopsd",
		Subsystem: "daemon",
		Name:      "applications",
		Help:      "Number of applications under management.",
	}, []string{})
)
