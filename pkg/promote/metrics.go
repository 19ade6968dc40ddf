package promote

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/gitopsd/gitopsd/pkg/metrics"
)

var releaseCount = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "gitopsd",
	Subsystem: "automation",
	Name:      "releases_total",
	Help:      "Count of automated image promotions, by application and strategy.",
}, []string{metrics.LabelApplication, metrics.LabelStrategy})
