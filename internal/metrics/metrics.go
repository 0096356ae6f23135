// Package metrics expose les métriques Prometheus de la pile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TunnelsActive compte les conteneurs de tunnel enregistrés
var TunnelsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "bdt_tunnels_active",
		Help: "Number of tunnel containers held by the tunnel manager",
	},
)

// TunnelsRecycledTotal compte les tunnels retirés pour inactivité
var TunnelsRecycledTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "bdt_tunnels_recycled_total",
		Help: "Total number of idle tunnels recycled",
	},
)

var ChannelsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "bdt_channels_active",
		Help: "Number of channels held by the channel manager",
	},
)

// SessionsActive compte les sessions par direction (download, upload)
var SessionsActive = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bdt_sessions_active",
		Help: "Number of live piece sessions",
	},
	[]string{"direction"},
)

// PackagesTotal compte les packages reçus par commande
var PackagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bdt_packages_received_total",
		Help: "Total number of packages received on tunnels",
	},
	[]string{"command"},
)

var BytesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bdt_piece_bytes_total",
		Help: "Total piece payload bytes transferred",
	},
	[]string{"direction"},
)

// SpeedBytes expose les débits agrégés du channel manager
var SpeedBytes = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bdt_speed_bytes_per_second",
		Help: "Aggregated channel speed",
	},
	[]string{"direction", "kind"},
)

var DownloadersActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "bdt_chunk_downloaders_active",
		Help: "Number of chunk downloaders in the registry",
	},
)

// TasksTotal compte les tâches terminées par état final
var TasksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bdt_chunk_tasks_total",
		Help: "Total number of chunk tasks reaching a terminal state",
	},
	[]string{"state"},
)

var TaskReacquireTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "bdt_chunk_task_reacquire_total",
		Help: "Total number of downloader re-acquisitions after a failed read",
	},
)
