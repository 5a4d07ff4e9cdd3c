// Package metrics defines the prometheus collectors exposed on the status
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectedDevices tracks the size of the selectable device set from
	// the most recent scan.
	ConnectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goxlr_updater_connected_devices",
			Help: "Number of selectable GoXLR devices found by the last scan.",
		},
	)

	// DownloadBytesTotal counts firmware bytes fetched from the catalog.
	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goxlr_updater_download_bytes_total",
			Help: "Total firmware bytes downloaded from the remote catalog.",
		},
	)

	// UpdateStagesTotal counts update-protocol stages by name and outcome.
	UpdateStagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goxlr_updater_stages_total",
			Help: "Update protocol stages executed, by stage and outcome.",
		},
		[]string{"stage", "outcome"}, // outcome: success/failed
	)

	// UpdatesTotal counts completed update sessions by terminal state.
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goxlr_updater_updates_total",
			Help: "Update sessions run to a terminal state, by outcome.",
		},
		[]string{"outcome"}, // outcome: success/error
	)
)

// Register installs all collectors on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectedDevices,
		DownloadBytesTotal,
		UpdateStagesTotal,
		UpdatesTotal,
	)
}
