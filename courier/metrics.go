// metrics.go - Delivery pipeline metrics.
// SPDX-License-Identifier: AGPL-3.0-only

package courier

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierkit_sends_total",
			Help: "Number of per-recipient delivery outcomes",
		},
		[]string{"result"},
	)
	sendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierkit_send_retries_total",
			Help: "Number of per-recipient delivery retry attempts",
		},
	)
	pipeFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierkit_pipe_fallbacks_total",
			Help: "Number of submissions that fell back from the duplex pipe to HTTP",
		},
	)
	syncTranscripts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courierkit_sync_transcripts_total",
			Help: "Number of sync transcripts delivered to linked devices",
		},
	)
)

func init() {
	prometheus.MustRegister(sendsTotal)
	prometheus.MustRegister(sendRetries)
	prometheus.MustRegister(pipeFallbacks)
	prometheus.MustRegister(syncTranscripts)
}
