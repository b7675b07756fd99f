// SPDX-License-Identifier: MIT

// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epgd_peers_connected",
		Help: "Currently accepted control connections",
	})
	peersVerified = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epgd_peers_verified",
		Help: "Currently verified control connections",
	})

	documentsSplit = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgd_documents_split_total",
		Help: "XMLTV documents processed by source",
	}, []string{"source"}) // source=watch|url
	splitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgd_split_failures_total",
		Help: "XMLTV documents that failed to split by source",
	}, []string{"source"})
	programmesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgd_programmes_written_total",
		Help: "Programme elements written to per-channel files",
	})

	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgd_url_fetch_total",
		Help: "EPG URL refresh attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgd_stat_broadcasts_total",
		Help: "Statistics broadcasts sent",
	})
	broadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgd_stat_broadcast_failures_total",
		Help: "Per-peer statistics broadcast write failures",
	})

	licenseChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgd_license_checks_total",
		Help: "License gate evaluations by outcome",
	}, []string{"outcome"}) // outcome=valid|missing|invalid|expired
)

func PeerConnected()    { peersConnected.Inc() }
func PeerDisconnected() { peersConnected.Dec() }
func PeerVerified()     { peersVerified.Inc() }
func PeerUnverified()   { peersVerified.Dec() }

// DocumentSplit records one processed document and its programme count.
func DocumentSplit(source string, programmes int) {
	documentsSplit.WithLabelValues(source).Inc()
	programmesWritten.Add(float64(programmes))
}

func SplitFailed(source string) { splitFailures.WithLabelValues(source).Inc() }

func FetchSucceeded() { fetchTotal.WithLabelValues("success").Inc() }
func FetchFailed()    { fetchTotal.WithLabelValues("failure").Inc() }

func BroadcastSent()       { broadcasts.Inc() }
func BroadcastWriteError() { broadcastFailures.Inc() }

func LicenseCheck(outcome string) { licenseChecks.WithLabelValues(outcome).Inc() }
