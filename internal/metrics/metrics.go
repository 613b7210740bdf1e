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

	processSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procm",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of spawn requests accepted by the supervisor.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procm",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of explicit restarts.",
		}, []string{"name"},
	)
	processTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procm",
			Subsystem: "process",
			Name:      "terminations_total",
			Help:      "Number of terminations by outcome (graceful, forced, failed).",
		}, []string{"mode"},
	)
	terminateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "procm",
			Subsystem: "process",
			Name:      "terminate_duration_seconds",
			Help:      "Time from the graceful signal until the process tree exited or was force-killed.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procm",
			Subsystem: "process",
			Name:      "registered",
			Help:      "Number of process records currently in the registry.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procm",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of status transitions applied to process records.",
		}, []string{"from", "to"},
	)
	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procm",
			Subsystem: "log",
			Name:      "persist_failures_total",
			Help:      "Number of captured output lines that could not be written to the log store.",
		}, []string{"stream"},
	)
	linesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procm",
			Subsystem: "log",
			Name:      "lines_total",
			Help:      "Number of captured output chunks persisted.",
		}, []string{"stream"},
	)
	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procm",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Number of tool calls by tool and outcome (ok, error).",
		}, []string{"tool", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processSpawns, processRestarts, processTerminations, terminateDuration, activeProcesses, stateTransitions, persistFailures, linesCaptured, toolCalls}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(name string) {
	if regOK.Load() {
		processSpawns.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

// IncTermination records how a termination ended: "graceful", "forced" or "failed".
func IncTermination(mode string) {
	if regOK.Load() {
		processTerminations.WithLabelValues(mode).Inc()
	}
}

func ObserveTerminateDuration(seconds float64) {
	if regOK.Load() {
		terminateDuration.Observe(seconds)
	}
}

func SetRegistered(n int) {
	if regOK.Load() {
		activeProcesses.Set(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncPersistFailure(stream string) {
	if regOK.Load() {
		persistFailures.WithLabelValues(stream).Inc()
	}
}

func IncLine(stream string) {
	if regOK.Load() {
		linesCaptured.WithLabelValues(stream).Inc()
	}
}

func IncToolCall(tool, outcome string) {
	if regOK.Load() {
		toolCalls.WithLabelValues(tool, outcome).Inc()
	}
}
