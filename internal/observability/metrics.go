package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kicadipc",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Dispatched calls by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kicadipc",
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Call latency from send to resolution in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kicadipc",
			Subsystem: "dispatch",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
	)
	orphans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kicadipc",
			Subsystem: "dispatch",
			Name:      "orphan_responses_total",
			Help:      "Responses discarded because no pending request matched.",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kicadipc",
			Subsystem: "blocking",
			Name:      "queue_depth",
			Help:      "Synchronous calls waiting for the worker.",
		},
	)
	enqueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kicadipc",
			Subsystem: "blocking",
			Name:      "enqueue_wait_seconds",
			Help:      "Time callers spent blocked on a full queue.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kicadipc",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames moved over the transport.",
		},
		[]string{"direction"},
	)
)

// Collectors exposes every metric for hosts that use their own registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{calls, callDuration, pending, orphans, queueDepth, enqueueWait, frames}
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		for _, c := range Collectors() {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}

// Handler serves the default registry, client metrics included.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordCall(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(command, outcome).Inc()
	callDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func PendingAdd(delta int) {
	RegisterMetrics()
	pending.Add(float64(delta))
}

func RecordOrphanResponse() {
	RegisterMetrics()
	orphans.Inc()
}

func QueueDepthAdd(delta int) {
	RegisterMetrics()
	queueDepth.Add(float64(delta))
}

func RecordEnqueueWait(d time.Duration) {
	RegisterMetrics()
	enqueueWait.Observe(d.Seconds())
}

func RecordFrame(direction string) {
	RegisterMetrics()
	frames.WithLabelValues(direction).Inc()
}
