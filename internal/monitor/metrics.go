// Package monitor exposes operational counters over Prometheus.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReadingsTotal counts readings delivered to the live feed.
	ReadingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thermolog_readings_total",
		Help: "Decoded readings delivered downstream.",
	})

	// CommandErrors counts device-rejected or timed-out commands.
	CommandErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermolog_command_errors_total",
			Help: "Commands that failed, by failure kind.",
		},
		[]string{"kind"}, // "timeout", "rejected", "link"
	)

	// LinkFaults counts sessions lost to transport failures.
	LinkFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thermolog_link_faults_total",
		Help: "Sessions terminated by a link fault.",
	})

	// WSClients tracks connected live-display clients.
	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thermolog_ws_clients",
		Help: "Connected WebSocket clients.",
	})
)

// Register installs the collectors plus a gauge fed by the session's decode
// error counter, so a bad line stream is visible without reading raw traffic.
func Register(decodeErrors func() float64) {
	prometheus.MustRegister(
		ReadingsTotal,
		CommandErrors,
		LinkFaults,
		WSClients,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "thermolog_decode_errors",
			Help: "Streaming lines discarded as undecodable.",
		}, decodeErrors),
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
