package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.walAppends)
	assert.NotNil(t, collector.walLatency)
	assert.NotNil(t, collector.snapshotWrites)
	assert.NotNil(t, collector.snapshotSkipped)
	assert.NotNil(t, collector.termChanges)
	assert.NotNil(t, collector.votesGranted)
	assert.NotNil(t, collector.becomesPrimary)
	assert.NotNil(t, collector.replicationLagDropped)
}

func TestRecordWALAppend(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		for _, latency := range []float64{0.0001, 0.001, 0.01, 0.1} {
			collector.RecordWALAppend(latency)
		}
	})
}

func TestRecordSnapshotWriteAndSkipped(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordSnapshotWrite()
		collector.RecordSnapshotSkipped()
	})
}

func TestElectionMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordTermChange()
		collector.RecordVoteGranted()
		collector.RecordBecomePrimary()
	})
}

func TestIncDropped(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.IncDropped("node-b")
		collector.IncDropped("node-c")
		collector.IncDropped("node-b")
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordWALAppend(0.001)
			collector.RecordSnapshotWrite()
			collector.RecordTermChange()
			collector.IncDropped("node-b")
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector registering the same metric names against the
	// same registry is expected to panic.
	assert.Panics(t, func() {
		NewCollector()
	})
}
