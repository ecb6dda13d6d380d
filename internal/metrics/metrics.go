// Package metrics exposes the controller's Prometheus instrumentation:
// gauges for live device/reservation/driver counts and counters for
// discovery cycles, mirror frames, and adapter failures, all scraped over
// the same HTTP surface the REST API serves.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DevicesOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "labctl",
		Name:      "devices_online",
		Help:      "Number of devices currently in the online status.",
	})

	ActiveReservations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "labctl",
		Name:      "active_reservations",
		Help:      "Number of reservations currently active.",
	})

	DriverServersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "labctl",
		Name:      "driver_servers_running",
		Help:      "Number of driver-server child processes currently running.",
	})

	MirrorFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "labctl",
		Name:      "mirror_frames_sent_total",
		Help:      "Total number of screen-mirror frames delivered to subscribers.",
	})

	DiscoveryCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "labctl",
		Name:      "discovery_cycles_total",
		Help:      "Total number of discovery cycles run.",
	})

	AdapterErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labctl",
		Name:      "adapter_errors_total",
		Help:      "Total number of adapter operation failures, by platform.",
	}, []string{"platform"})
)

func init() {
	prometheus.MustRegister(
		DevicesOnline,
		ActiveReservations,
		DriverServersRunning,
		MirrorFramesSent,
		DiscoveryCyclesTotal,
		AdapterErrorsTotal,
	)
}
