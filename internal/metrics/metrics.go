// Package metrics holds the Prometheus collectors exported on each agent's
// /metrics endpoint.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "picc",
			Subsystem: "agent",
			Name:      "commands_total",
			Help:      "Commands handled, by outcome.",
		},
		[]string{"agent", "outcome"},
	)
	deviceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "picc",
			Subsystem: "device",
			Name:      "io_errors_total",
			Help:      "Device I/O failures after retries.",
		},
		[]string{"agent", "op"},
	)
	statusWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "picc",
			Subsystem: "agent",
			Name:      "status_writes_total",
			Help:      "Status values written to the store.",
		},
		[]string{"agent"},
	)
	resyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "picc",
			Subsystem: "agent",
			Name:      "resyncs_total",
			Help:      "Settings re-pulls, by trigger.",
		},
		[]string{"agent", "trigger"},
	)
	cycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "picc",
			Subsystem: "cycle",
			Name:      "state",
			Help:      "1 for the current cooldown state, 0 otherwise.",
		},
		[]string{"state"},
	)
	heatSwitchMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "picc",
			Subsystem: "cycle",
			Name:      "heatswitch_transitions_total",
			Help:      "Heat switch transitions, by target and result.",
		},
		[]string{"target", "result"},
	)
	quenches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "picc",
			Subsystem: "magnet",
			Name:      "quenches_total",
			Help:      "Quenches detected by the current monitor.",
		},
	)
)

// Register adds the collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(commands, deviceErrors, statusWrites, resyncs, cycleState, heatSwitchMoves, quenches)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordCommand(agent, outcome string) {
	commands.WithLabelValues(agent, outcome).Inc()
}

func RecordDeviceError(agent, op string) {
	deviceErrors.WithLabelValues(agent, op).Inc()
}

func RecordStatusWrite(agent string) {
	statusWrites.WithLabelValues(agent).Inc()
}

func RecordResync(agent, trigger string) {
	resyncs.WithLabelValues(agent, trigger).Inc()
}

// SetCycleState marks state as current and clears the others.
func SetCycleState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		cycleState.WithLabelValues(s).Set(v)
	}
}

func RecordHeatSwitch(target, result string) {
	heatSwitchMoves.WithLabelValues(target, result).Inc()
}

func RecordQuench() {
	quenches.Inc()
}
