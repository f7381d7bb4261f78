package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"phaseline/internal/gate"
	"phaseline/internal/result"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecorderCountsTransitionsByOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := NewRecorder(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	rec.TransitionFinished(ctx, "LEAD-TO-PLAN", result.Success(nil), 3*time.Millisecond)
	rec.TransitionFinished(ctx, "LEAD-TO-PLAN", result.Success(nil), time.Millisecond)
	rec.TransitionFinished(ctx, "LEAD-TO-PLAN", result.SystemError(errors.New("x")), time.Millisecond)

	metrics := collect(t, reader)
	sum, ok := metrics["phaseline.transitions"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("phaseline.outcome"))
		counts[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"accepted": 2, "system_error": 1}, counts)

	hist, ok := metrics["phaseline.transition.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	assert.EqualValues(t, 3, n)
}

func TestRecorderCountsGates(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := NewRecorder(mp.Meter("test"))
	require.NoError(t, err)

	rec.GateEvaluated(context.Background(), "CI", gate.Fail("red"), time.Millisecond)
	rec.GateEvaluated(context.Background(), "CI", gate.Pass(), time.Millisecond)

	sum, ok := collect(t, reader)["phaseline.gates"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2)
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("PHASELINE_OTEL_ENABLED", "")
	require.NoError(t, Init(context.Background(), "phaseline", "test"))
	defer Shutdown(context.Background())

	_, span := Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	_, err := NewRecorder(nil)
	assert.NoError(t, err)
}
