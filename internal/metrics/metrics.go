package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procmaster"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process launches, respawns included.",
		}, []string{"name"},
	)
	processRespawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "respawns_total",
			Help:      "Number of respawns scheduled by the respawn policy.",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of exits that were not requested by a stop.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops by method (directive, signal, kill).",
		}, []string{"name", "method"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current lifecycle state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	connected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "connected",
			Help:      "Whether the process has a bound control socket.",
		}, []string{"name"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "handshakes_total",
			Help:      "Handshake outcomes (accepted, rejected, failed).",
		}, []string{"result"},
	)
	registered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "processes",
			Help:      "Number of processes in the registry.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processRespawns, processCrashes, processStops,
		stateTransitions, currentStates, connected, handshakes, registered}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Helpers below no-op until Register succeeded.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRespawn(name string) {
	if regOK.Load() {
		processRespawns.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func IncStop(name, method string) {
	if regOK.Load() {
		processStops.WithLabelValues(name, method).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
		}
		currentStates.WithLabelValues(name, state).Set(v)
	}
}

func SetConnected(name string, ok bool) {
	if regOK.Load() {
		v := 0.0
		if ok {
			v = 1
		}
		connected.WithLabelValues(name).Set(v)
	}
}

// Handshake results.
const (
	HandshakeAccepted = "accepted"
	HandshakeRejected = "rejected"
	HandshakeFailed   = "failed"
)

func IncHandshake(result string) {
	if regOK.Load() {
		handshakes.WithLabelValues(result).Inc()
	}
}

func SetRegistered(n int) {
	if regOK.Load() {
		registered.Set(float64(n))
	}
}

// Forget drops the per-process series of a removed process.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	connected.DeleteLabelValues(name)
	currentStates.DeletePartialMatch(prometheus.Labels{"name": name})
}
