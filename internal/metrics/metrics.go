// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsSentTotal counts packets serialized onto the wire per pipe
	PacketsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopwire_packets_sent_total",
			Help: "Total number of packets moved from a NIC onto the wire",
		},
		[]string{"pipe"},
	)

	// PacketsDeliveredTotal counts packets delivered to an inbound NIC
	PacketsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopwire_packets_delivered_total",
			Help: "Total number of packets delivered to an inbound NIC",
		},
		[]string{"pipe"},
	)

	// PacketsDroppedTotal counts packets lost in transit by cause
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopwire_packets_dropped_total",
			Help: "Total number of packets dropped in transit",
		},
		[]string{"pipe", "reason"},
	)

	// PacketsDuplicatedTotal counts packets duplicated by perturbation
	PacketsDuplicatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopwire_packets_duplicated_total",
			Help: "Total number of packets duplicated by the simulator",
		},
		[]string{"pipe"},
	)

	// PacketsCorruptedTotal counts packets corrupted by perturbation
	PacketsCorruptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopwire_packets_corrupted_total",
			Help: "Total number of packets corrupted by the simulator",
		},
		[]string{"pipe"},
	)

	// MalformedPacketsTotal counts packets rejected by the decoder
	MalformedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopwire_malformed_packets_total",
			Help: "Total number of structurally invalid packets discarded",
		},
		[]string{"role"},
	)

	// RetransmitPassesTotal counts sender packetize passes beyond the first
	RetransmitPassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopwire_retransmit_passes_total",
			Help: "Total number of retransmission passes across all transmissions",
		},
	)

	// DuplicateDataTotal counts data packets discarded as already received
	DuplicateDataTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopwire_duplicate_data_total",
			Help: "Total number of duplicate data packets discarded by the receiver",
		},
	)

	// TransmissionsCompletedTotal counts transmissions fully acknowledged
	TransmissionsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopwire_transmissions_completed_total",
			Help: "Total number of transmissions delivered end to end",
		},
	)

	// TransmissionsFailedTotal counts transmissions that hit the send deadline
	TransmissionsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopwire_transmissions_failed_total",
			Help: "Total number of transmissions abandoned by the sender",
		},
	)

	// InFlightTransmissions tracks open records per role
	InFlightTransmissions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loopwire_in_flight_transmissions",
			Help: "Current number of open transmission records",
		},
		[]string{"role"},
	)

	// DeliveryLatencySeconds measures end-to-end transmission latency
	DeliveryLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loopwire_delivery_latency_seconds",
			Help:    "End-to-end latency from send to validated receive",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		},
	)
)
