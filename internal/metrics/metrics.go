package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcagent"

// States tracked by the server_state gauge.
var States = []string{"stopped", "starting", "running", "stopping", "crashed"}

var (
	once        sync.Once
	serverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state",
			Help:      "Server lifecycle state (1 for the current state, 0 otherwise).",
		},
		[]string{"state"},
	)
	serverStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		},
	)
	serverCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of unexpected server exits.",
		},
	)
	playersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "players_online",
			Help:      "Players currently online.",
		},
	)
	serverTPS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "tps",
			Help:      "Ticks per second over the last minute, when the server reports it.",
		},
	)
	consoleEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "entries_total",
			Help:      "Console lines ingested.",
		},
	)
	consoleSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "subscribers",
			Help:      "Live console stream subscribers.",
		},
	)
	consoleDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for falling behind.",
		},
	)
	consoleCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Console commands written to the server.",
		},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(serverState, serverStarts, serverCrashes, playersOnline, serverTPS,
			consoleEntries, consoleSubscribers, consoleDropped, consoleCommands)
	})
}

// ObserveServerState sets the gauge for state to 1 and every other state to 0.
func ObserveServerState(state string) {
	for _, s := range States {
		if s == state {
			serverState.WithLabelValues(s).Set(1)
		} else {
			serverState.WithLabelValues(s).Set(0)
		}
	}
}

func IncStarts()  { serverStarts.Inc() }
func IncCrashes() { serverCrashes.Inc() }

func SetPlayersOnline(n int) { playersOnline.Set(float64(n)) }
func SetTPS(tps float64)     { serverTPS.Set(tps) }

func IncConsoleEntries()          { consoleEntries.Inc() }
func SetConsoleSubscribers(n int) { consoleSubscribers.Set(float64(n)) }
func IncConsoleDropped()          { consoleDropped.Inc() }
func IncConsoleCommands()         { consoleCommands.Inc() }
