package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "threadbox"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewMeterProvider_RunDurationBuckets(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(reader, nil)
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	hist, err := mp.Meter("test").Float64Histogram(RunDurationMetric, metric.WithUnit("ms"))
	require.NoError(t, err)
	hist.Record(ctx, 40)
	hist.Record(ctx, 12_000)
	hist.Record(ctx, 1_200_000)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)

	data, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, data.DataPoints, 1)
	dp := data.DataPoints[0]
	assert.Equal(t, runDurationBuckets, dp.Bounds)
	assert.Equal(t, uint64(3), dp.Count)
	assert.Equal(t, uint64(1), dp.BucketCounts[0], "40ms lands in the first bucket")
	assert.Equal(t, uint64(1), dp.BucketCounts[len(dp.BucketCounts)-1], "20 minutes overflows the last bound")
}

func TestNewMeterProvider_OtherHistogramsKeepDefaults(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(reader, nil)
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	hist, err := mp.Meter("test").Float64Histogram("threadbox.unrelated")
	require.NoError(t, err)
	hist.Record(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	data := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Histogram[float64])
	assert.NotEqual(t, runDurationBuckets, data.DataPoints[0].Bounds)
	assert.NotEqual(t, httpDurationBuckets, data.DataPoints[0].Bounds)
}
