// Package http exposes the daemon's state over a small HTTP API:
// sync statuses, the event log, Prometheus metrics, and endpoints to
// nudge a sync or an image poll ahead of schedule.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitopsd/gitopsd/pkg/daemon"
	"github.com/gitopsd/gitopsd/pkg/event"
	"github.com/gitopsd/gitopsd/pkg/metrics"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "gitopsd",
	Name:      "request_duration_seconds",
	Help:      "Time (in seconds) spent serving HTTP requests.",
	Buckets:   prometheus.DefBuckets,
}, []string{metrics.LabelMethod, metrics.LabelRoute, "status_code"})

func init() {
	prometheus.MustRegister(requestDuration)
}

func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.NewRoute().Name("ListStatuses").Methods("GET").Path("/api/v1/status")
	r.NewRoute().Name("GetStatus").Methods("GET").Path("/api/v1/status/{application}")
	r.NewRoute().Name("ListEvents").Methods("GET").Path("/api/v1/events")
	r.NewRoute().Name("SyncNow").Methods("POST").Path("/api/v1/sync")
	r.NewRoute().Name("PollNow").Methods("POST").Path("/api/v1/poll")
	r.NewRoute().Name("Metrics").Methods("GET").Path("/metrics")
	return r
}

func NewHandler(d *daemon.Daemon, events *event.Log, r *mux.Router, logger log.Logger) http.Handler {
	handle := server{daemon: d, events: events, logger: logger}
	r.Get("ListStatuses").HandlerFunc(handle.listStatuses)
	r.Get("GetStatus").HandlerFunc(handle.getStatus)
	r.Get("ListEvents").HandlerFunc(handle.listEvents)
	r.Get("SyncNow").HandlerFunc(handle.syncNow)
	r.Get("PollNow").HandlerFunc(handle.pollNow)
	r.Get("Metrics").Handler(promhttp.Handler())
	return instrument(r)
}

type server struct {
	daemon *daemon.Daemon
	events *event.Log
	logger log.Logger
}

func (s server) listStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.daemon.Reconciler.StatusAll())
}

func (s server) getStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["application"]
	if _, err := s.daemon.Apps.Get(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, s.daemon.Reconciler.Status(name))
}

func (s server) listEvents(w http.ResponseWriter, r *http.Request) {
	events := s.events.Events()
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, events)
}

func (s server) syncNow(w http.ResponseWriter, r *http.Request) {
	s.daemon.AskForSync()
	w.WriteHeader(http.StatusAccepted)
}

func (s server) pollNow(w http.ResponseWriter, r *http.Request) {
	s.daemon.AskForPoll()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// instrument records request durations per route.
func instrument(router *mux.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var match mux.RouteMatch
		route := "unmatched"
		if router.Match(r, &match) && match.Route != nil {
			if name := match.Route.GetName(); name != "" {
				route = name
			}
		}
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			requestDuration.WithLabelValues(r.Method, route, http.StatusText(sw.code)).Observe(v)
		}))
		defer timer.ObserveDuration()
		router.ServeHTTP(sw, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
