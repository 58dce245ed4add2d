package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of starts that reached the running phase.",
		}, []string{"name"},
	)
	startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of failed starts by error kind.",
		}, []string{"name", "reason"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops, labelled graceful or forced.",
		}, []string{"name", "mode"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "unexpected_exits_total",
			Help:      "Number of times the service died while running.",
		}, []string{"name"},
	)
	startupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "startup_duration_seconds",
			Help:      "Time from start request until the health check passed.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"name"},
	)
	portAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "port_attempts",
			Help:      "Ports probed before a free one was found.",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}, []string{"name"},
	)
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "phase_transitions_total",
			Help:      "Number of startup phase transitions.",
		}, []string{"name", "from", "to"},
	)
	currentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "current_phase",
			Help:      "Current startup phase (1 = active, 0 = inactive).",
		}, []string{"name", "phase"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the service process tree at the last sample.",
		}, []string{"name"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svckeeper",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage of the service process tree at the last sample.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, startFailures, serviceStops, unexpectedExits,
		startupDuration, portAttempts, phaseTransitions, currentPhase, memoryRSS, cpuPercent}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registry (e.g. the default one): keep it
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name, reason string) {
	if regOK.Load() {
		startFailures.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		mode := "graceful"
		if forced {
			mode = "forced"
		}
		serviceStops.WithLabelValues(name, mode).Inc()
	}
}

func IncUnexpectedExit(name string) {
	if regOK.Load() {
		unexpectedExits.WithLabelValues(name).Inc()
	}
}

func ObserveStartupDuration(name string, seconds float64) {
	if regOK.Load() {
		startupDuration.WithLabelValues(name).Observe(seconds)
	}
}

func ObservePortAttempts(name string, n int) {
	if regOK.Load() {
		portAttempts.WithLabelValues(name).Observe(float64(n))
	}
}

// RecordPhaseTransition counts from->to and flips the current_phase gauge.
func RecordPhaseTransition(name, from, to string) {
	if !regOK.Load() {
		return
	}
	phaseTransitions.WithLabelValues(name, from, to).Inc()
	if from != "" {
		currentPhase.WithLabelValues(name, from).Set(0)
	}
	currentPhase.WithLabelValues(name, to).Set(1)
}

func setUsage(name string, u Usage) {
	if regOK.Load() {
		memoryRSS.WithLabelValues(name).Set(float64(u.MemoryRSS))
		cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
	}
}
