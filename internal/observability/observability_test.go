package observability_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/FileFlow/internal/observability"
)

func TestInitMetrics_RecordsAndTolerantOfReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc, err := observability.InitMetrics(reg)
	require.NoError(t, err)

	_, err = observability.InitMetrics(reg)
	require.NoError(t, err)

	mc.OutboxOutcome("WEBHOOK", "processed")
	mc.OutboxOutcome("WEBHOOK", "processed")
	mc.JobRun("outbox-dispatch", "ok", 10*time.Millisecond)
	mc.Downloaded("ok", 1024, time.Second)

	n, err := testutil.GatherAndCount(reg, "fileflow_outbox_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "fileflow_download_bytes_total" {
			found = true
			assert.Equal(t, float64(1024), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var mc *observability.MetricsCollector
	assert.NotPanics(t, func() {
		mc.OutboxOutcome("x", "y")
		mc.LockSkipped("job")
		mc.AssetTransition("COMPLETED")
	})
}

func TestInitLogger(t *testing.T) {
	logger, err := observability.InitLogger(false, "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	_, err = observability.InitLogger(true, "loud")
	assert.Error(t, err)
}

func TestWriterTracerProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := observability.NewWriterTracerProvider(&buf)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "unit")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"unit"`)
}
