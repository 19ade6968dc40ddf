package kubernetes

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/gitopsd/gitopsd/pkg/metrics"
)

var mutationCount = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "gitopsd",
	Subsystem: "cluster",
	Name:      "mutations_total",
	Help:      "Count of applies and deletes issued to the cluster.",
}, []string{metrics.LabelAction, metrics.LabelSuccess})
