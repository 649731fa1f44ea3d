package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/m-lab/socket-tracer/metrics"
)

func TestCountersIncrement(t *testing.T) {
	metrics.RingBufferEventCount.WithLabelValues("control").Inc()
	metrics.RingBufferDropCount.Inc()
	metrics.StagingMapFullCount.WithLabelValues("data").Inc()
	metrics.TruncatedPayloadCount.Inc()
	metrics.ProtocolInferenceCount.WithLabelValues("http").Inc()
	metrics.FilteredEventCount.WithLabelValues("self").Inc()
	metrics.ErrorCount.WithLabelValues("test").Inc()
	metrics.NewFileCount.Inc()
	metrics.FlowEventsCounter.WithLabelValues("open").Inc()

	if got := testutil.ToFloat64(metrics.RingBufferEventCount.WithLabelValues("control")); got != 1 {
		t.Errorf("RingBufferEventCount = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.RingBufferDropCount); got != 1 {
		t.Errorf("RingBufferDropCount = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.FlowEventsCounter.WithLabelValues("open")); got != 1 {
		t.Errorf("FlowEventsCounter = %v, want 1", got)
	}
}

func TestHistogramsAreRegistered(t *testing.T) {
	metrics.RegistrySizeHistogram.Observe(5)
	metrics.ChunkCountHistogram.Observe(2)

	if n := testutil.CollectAndCount(metrics.RegistrySizeHistogram); n != 1 {
		t.Errorf("RegistrySizeHistogram CollectAndCount = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(metrics.ChunkCountHistogram); n != 1 {
		t.Errorf("ChunkCountHistogram CollectAndCount = %d, want 1", n)
	}
}

func TestMetricsGatherWithoutError(t *testing.T) {
	if _, err := prometheus.DefaultGatherer.Gather(); err != nil {
		t.Errorf("default gatherer returned an error: %v", err)
	}
}
