// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: events, files, connections.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RingBufferEventCount counts events read off the kernel ring buffer, by
	// kind (control, data, stats).
	RingBufferEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sktracer_ringbuffer_events_total",
			Help: "Number of events read from the BPF ring buffer, by kind.",
		}, []string{"kind"})

	// RingBufferDropCount counts decoded ring buffer records that were dropped
	// because the userspace event sink channel was full.
	RingBufferDropCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sktracer_ringbuffer_drops_total",
			Help: "Number of decoded ring buffer events dropped because the event sink was full.",
		},
	)

	// StagingMapFullCount counts argument-staging Put calls that found their
	// map already at capacity for a brand new key.
	StagingMapFullCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sktracer_staging_map_full_total",
			Help: "Number of argument-staging inserts rejected because the map was full.",
		}, []string{"table"})

	// RegistrySizeHistogram tracks the number of live entries in the
	// connection registry each time it is sampled.
	RegistrySizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "sktracer_registry_size_histogram",
			Help: "Connection registry live-entry count histogram.",
			Buckets: []float64{
				1, 2, 3, 4, 5, 6, 8,
				10, 12.5, 16, 20, 25, 32, 40, 50, 63, 79,
				100, 125, 160, 200, 250, 320, 400, 500, 630, 790,
				1000, 1250, 1600, 2000, 2500, 3200, 4000, 5000, 6300, 7900,
				10000, 12500, 16000, 20000, 25000, 32000, 40000, 50000, 63000, 79000,
				1000000,
			},
		},
	)

	// ChunkCountHistogram tracks how many chunks a single syscall's payload
	// was split into.
	ChunkCountHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sktracer_chunk_count_histogram",
			Help:    "Number of SocketDataEvent chunks emitted per syscall return.",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		},
	)

	// TruncatedPayloadCount counts syscall returns whose payload exceeded
	// ChunkLimit*MaxMsgSize and was truncated.
	TruncatedPayloadCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sktracer_truncated_payload_total",
			Help: "Number of syscall payloads truncated by the chunk/size budget.",
		},
	)

	// ProtocolInferenceCount counts protocol inference outcomes, by the
	// resulting protocol.
	ProtocolInferenceCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sktracer_protocol_inference_total",
			Help: "Protocol inference outcomes, by resulting protocol.",
		}, []string{"protocol"})

	// FilteredEventCount counts events the policy plane suppressed, by the
	// reason (self, target, disabled, protocol).
	FilteredEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sktracer_filtered_events_total",
			Help: "Events suppressed by the policy plane, by suppression reason.",
		}, []string{"reason"})

	// ErrorCount measures the number of errors.
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "foobar"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sktracer_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})

	// NewFileCount counts the number of output files the saver has rotated
	// to.
	NewFileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sktracer_new_file_total",
			Help: "Number of output files created.",
		},
	)

	// FlowEventsCounter counts open/close events forwarded over the
	// eventsocket unix-domain-socket stream, by event type.
	FlowEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sktracer_eventsocket_flow_events_total",
			Help: "Number of flow events sent to eventsocket subscribers, by type.",
		}, []string{"type"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in socket-tracer.metrics are registered.")
}
