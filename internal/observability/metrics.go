package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botwire"

var (
	registerOnce sync.Once

	channelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "calls_total",
			Help:      "Driver calls by agent kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	channelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "call_duration_seconds",
			Help:      "Time from frame write to completed reply.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	pollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "attempts_total",
			Help:      "Implicit-wait attempts by operation.",
		},
		[]string{"op"},
	)
	pollOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "outcomes_total",
			Help:      "Implicit-wait results by operation and whether the condition was met.",
		},
		[]string{"op", "found"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_sessions",
			Help:      "Live driver sessions by agent kind.",
		},
		[]string{"kind"},
	)
	hidActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hid",
			Name:      "activations_total",
			Help:      "HID activation attempts by result.",
		},
		[]string{"result"},
	)
	driverLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "launches_total",
			Help:      "Driver process launches by driver and result.",
		},
		[]string{"driver", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			channelCalls,
			channelCallDuration,
			pollAttempts,
			pollOutcomes,
			activeSessions,
			hidActivations,
			driverLaunches,
		)
	})
}

func promhttpHandler() http.Handler {
	return promhttp.Handler()
}

func RecordCall(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	channelCalls.WithLabelValues(kind, outcome).Inc()
	channelCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordPoll(op string, attempts int, found bool) {
	RegisterMetrics()
	pollAttempts.WithLabelValues(op).Add(float64(attempts))
	pollOutcomes.WithLabelValues(op, strconv.FormatBool(found)).Inc()
}

func SessionOpened(kind string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(kind).Inc()
}

func SessionClosed(kind string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(kind).Dec()
}

func RecordHIDActivation(result string) {
	RegisterMetrics()
	hidActivations.WithLabelValues(result).Inc()
}

func RecordDriverLaunch(driver string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	driverLaunches.WithLabelValues(driver, result).Inc()
}
