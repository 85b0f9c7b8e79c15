package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sunrelay"

var (
	requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.2, 0.4, 0.8, 1.0, 2.0, 4.0},
		},
		[]string{"verb", "path", "code"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Relay transitions by target state and what triggered them.",
		},
		[]string{"state", "source"},
	)

	deviceErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Relay transitions that failed.",
		},
	)

	nextEvent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_event_timestamp_seconds",
			Help:      "Unix time of the armed scheduler event.",
		},
		[]string{"kind"},
	)

	powerOn = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_on",
			Help:      "1 when the relay is on.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		requestLatency,
		transitions,
		deviceErrors,
		nextEvent,
		powerOn,
	)
}

// Recorder satisfies the scheduler's metrics hook using the collectors
// registered in this package.
type Recorder struct{}

// Transition records a relay transition attempt. source is "schedule",
// "startup", "override" or "shutdown".
func (Recorder) Transition(on bool, source string, err error) {
	if err != nil {
		deviceErrors.Inc()
		return
	}
	transitions.With(prometheus.Labels{
		"state":  stateLabel(on),
		"source": source,
	}).Inc()
	if on {
		powerOn.Set(1)
	} else {
		powerOn.Set(0)
	}
}

// NextEvent publishes the armed event, replacing any previous one.
func (Recorder) NextEvent(kind string, at time.Time) {
	nextEvent.Reset()
	nextEvent.With(prometheus.Labels{"kind": kind}).Set(float64(at.Unix()))
}

func stateLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func ObserveRequestLatency(verb, path, code string, latency float64) {
	requestLatency.With(prometheus.Labels{
		"code": code,
		"verb": verb,
		"path": path,
	}).Observe(latency)
}

// LatencyHandler records the latency of every request served by next.
// path should be a route template, not the raw URL, to keep label
// cardinality bounded.
func LatencyHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		// Any panics in next are reported as 500 errors and then re-thrown.
		defer func() {
			if err := recover(); err != nil {
				ObserveRequestLatency(r.Method, path, "500", time.Since(t).Seconds())
				panic(err)
			}
			ObserveRequestLatency(r.Method, path, strconv.Itoa(rec.code), time.Since(t).Seconds())
		}()

		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}
