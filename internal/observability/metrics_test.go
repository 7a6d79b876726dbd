package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersWithoutPanic(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NotNil(t, m.MessagesReceived)
	assert.NotNil(t, m.DecodeFailures)
	assert.NotNil(t, m.RecordsAccumulated)
	assert.NotNil(t, m.Runs)
	assert.NotNil(t, m.DrainTimeouts)
	assert.NotNil(t, m.ArtifactBytes)
	assert.NotNil(t, m.ArtifactWrite)
	assert.NotNil(t, m.SplitPublished)
	assert.NotNil(t, m.SplitErrors)
	assert.NotNil(t, m.JobTriggers)
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestMetrics_IncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.MessagesReceived.WithLabelValues("sub").Add(3)
	m.DecodeFailures.WithLabelValues("sub").Inc()
	m.Runs.WithLabelValues("done", "completed").Inc()
	m.ArtifactBytes.Add(128)
	m.JobTriggers.WithLabelValues("ok").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("sub")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailures.WithLabelValues("sub")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("done", "completed")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.ArtifactBytes))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"fanin_messages_received_total",
		"fanin_decode_failures_total",
		"fanin_runs_total",
		"fanin_artifact_bytes_total",
		"fanin_job_triggers_total",
	} {
		assert.True(t, names[name], "expected metric %s", name)
	}
}

func TestMetrics_ObserveHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ArtifactWrite.Observe(0.05)
	m.ArtifactWrite.Observe(0.12)

	assert.Equal(t, 1, testutil.CollectAndCount(m.ArtifactWrite))
}
