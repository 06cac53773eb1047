package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"endpoint"},
	)

	RequestsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_requests_blocked_total",
			Help: "Total number of requests rejected by the abuse guards",
		},
		[]string{"guard", "reason"},
	)

	Timeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_timeouts_total",
			Help: "Total number of fired timeout watchdogs by kind",
		},
		[]string{"kind"},
	)

	// Download metrics
	DownloadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultgate_downloads_active",
			Help: "Number of archive downloads currently streaming",
		},
	)

	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgate_download_bytes_total",
			Help: "Total archive bytes sent to clients",
		},
	)

	DownloadsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgate_downloads_aborted_total",
			Help: "Total downloads forcibly terminated for sustained slowness",
		},
	)

	// Tracker metrics
	TrackedClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vaultgate_tracked_clients",
			Help: "Number of client entries currently tracked per guard",
		},
		[]string{"guard"},
	)

	ReaperEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgate_reaper_evictions_total",
			Help: "Total tracker entries evicted by the expiry reaper",
		},
		[]string{"guard"},
	)

	// Configuration metrics
	ConfigReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgate_config_reloads_total",
			Help: "Total number of tuning reloads applied",
		},
	)
)
