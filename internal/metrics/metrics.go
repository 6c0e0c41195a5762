package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	keyAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdispatch",
			Name:      "key_acquisitions_total",
			Help:      "Credential acquisition attempts by pool and result (ok, exhausted)",
		},
		[]string{"pool", "result"},
	)

	cooldownEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdispatch",
			Name:      "cooldown_events_total",
			Help:      "Credential cooldowns by pool and reason (overflow, quota)",
		},
		[]string{"pool", "reason"},
	)

	gateWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docdispatch",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for a concurrency slot by pool",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	serviceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdispatch",
			Name:      "service_calls_total",
			Help:      "Completion service calls by pool and result (success, empty, quota, error)",
		},
		[]string{"pool", "result"},
	)

	serviceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docdispatch",
			Name:      "service_call_duration_seconds",
			Help:      "Duration of completion service calls by pool",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdispatch",
			Name:      "jobs_processed_total",
			Help:      "Jobs processed by class and result (finished, failed)",
		},
		[]string{"class", "result"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdispatch",
			Name:      "retries_total",
			Help:      "Executor retries by pool",
		},
		[]string{"pool"},
	)

	completionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdispatch",
			Name:      "completion_events_total",
			Help:      "Completion events by side (published, delivered, dropped)",
		},
		[]string{"side"},
	)

	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docdispatch",
			Name:      "live_connections",
			Help:      "Currently registered client connections",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docdispatch",
			Name:      "queue_depth",
			Help:      "Queue depth gauges by class and kind (stream, dlq)",
		},
		[]string{"class", "kind"},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(keyAcquisitions, cooldownEvents, gateWaitSeconds,
		serviceCalls, serviceLatency, jobsProcessed, retriesTotal,
		completionEvents, liveConnections, queueDepth)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func KeyAcquired(pool string)   { keyAcquisitions.WithLabelValues(pool, "ok").Inc() }
func KeyExhausted(pool string)  { keyAcquisitions.WithLabelValues(pool, "exhausted").Inc() }
func CooldownSet(pool, reason string) { cooldownEvents.WithLabelValues(pool, reason).Inc() }

func ObserveGateWait(pool string, d time.Duration) {
	gateWaitSeconds.WithLabelValues(pool).Observe(d.Seconds())
}

func ObserveCall(pool, result string, d time.Duration) {
	serviceCalls.WithLabelValues(pool, result).Inc()
	serviceLatency.WithLabelValues(pool).Observe(d.Seconds())
}

func JobProcessed(class, result string) { jobsProcessed.WithLabelValues(class, result).Inc() }
func IncRetry(pool string)              { retriesTotal.WithLabelValues(pool).Inc() }

func EventPublished() { completionEvents.WithLabelValues("published").Inc() }
func EventDelivered() { completionEvents.WithLabelValues("delivered").Inc() }
func EventDropped()   { completionEvents.WithLabelValues("dropped").Inc() }

func ConnAdded()   { liveConnections.Inc() }
func ConnRemoved() { liveConnections.Dec() }

func SetQueueDepth(class, kind string, v int64) {
	queueDepth.WithLabelValues(class, kind).Set(float64(v))
}
