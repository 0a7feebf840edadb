// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesSubmitted tracks raw frames handed to the hardware session
	FramesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwbridge_encoder_frames_submitted_total",
		Help: "Total raw frames sent to the hardware session",
	}, []string{"codec"})

	// PacketsProduced tracks encoded packets handed back to the caller
	PacketsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwbridge_encoder_packets_total",
		Help: "Total encoded packets retrieved from the packet queue",
	}, []string{"codec"})

	// PacketBytes tracks encoded payload bytes produced
	PacketBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwbridge_encoder_packet_bytes_total",
		Help: "Total encoded payload bytes produced",
	}, []string{"codec"})

	// EncoderErrors tracks operational errors by failing operation
	EncoderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwbridge_encoder_errors_total",
		Help: "Total encoder errors by operation",
	}, []string{"operation"})

	// QueueDepth tracks the current packet queue depth per codec
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwbridge_encoder_queue_depth",
		Help: "Current number of encoded packets waiting for the caller",
	}, []string{"codec"})

	// HealthState reports the current health state as a one-hot gauge
	HealthState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwbridge_encoder_health_state",
		Help: "Current encoder health state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	// ReceiveDuration tracks time spent inside the blocking hardware receive call
	ReceiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hwbridge_encoder_receive_duration_seconds",
		Help:    "Duration of blocking hardware receive calls",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2.0, 14), // 100us to ~1.6s
	})

	// RecoveryAttempts tracks hang-recovery attempts
	RecoveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwbridge_encoder_recovery_attempts_total",
		Help: "Total encoder hang-recovery attempts",
	})
)
