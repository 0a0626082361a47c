package apiclient

import (
	"context"
	nethttp "net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wattswap/wattswap-go/apiclient/internal/tracking"
	wtesting "github.com/wattswap/wattswap-go/testing"
	"github.com/wattswap/wattswap-go/testing/fakeapi"
)

func setupTracing(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		otel.SetTextMapPropagator(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder, tp
}

func setupMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	tracking.ResetForTesting()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		_ = provider.Shutdown(context.Background())
		tracking.ResetForTesting()
	})
	return reader
}

func counterTotals(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestCallSpanCoversAllAttempts(t *testing.T) {
	recorder, tp := setupTracing(t)

	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers,
		fakeapi.Step{Status: nethttp.StatusBadGateway},
		fakeapi.Step{Body: offersBody},
	)

	c, _ := build(t, newFastBuilder(api.URL()).WithTracerProvider(tp))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "apiclient GET", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	events := span.Events()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "attempt", e.Name)
	}

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		traceparent := r.Header.Get("Traceparent")
		require.NotEmpty(t, traceparent)
		assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
	}
}

func TestFailedCallSpanRecordsError(t *testing.T) {
	recorder, tp := setupTracing(t)

	api := fakeapi.New(t)
	api.Script(nethttp.MethodDelete, wtesting.TestPathTrades, fakeapi.Step{Status: nethttp.StatusConflict})

	c, _ := build(t, newFastBuilder(api.URL()).WithTracerProvider(tp))

	_, err := c.Delete(context.Background(), wtesting.TestPathTrades, nil, nil)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, KindClientError.String(), spans[0].Status().Description)
}

func TestAttemptAndRetryMetrics(t *testing.T) {
	reader := setupMetrics(t)

	api := fakeapi.New(t)
	api.Script(nethttp.MethodPost, wtesting.TestPathTrades,
		fakeapi.Step{Status: nethttp.StatusServiceUnavailable},
		fakeapi.Step{Status: nethttp.StatusServiceUnavailable},
		fakeapi.Step{Status: nethttp.StatusCreated, Body: `{"id":"t1"}`},
	)

	c, _ := build(t, newFastBuilder(api.URL()))

	_, err := c.Post(context.Background(), wtesting.TestPathTrades, map[string]any{"kwh": 2}, nil)
	require.NoError(t, err)

	_, err = c.Post(context.Background(), "", nil, nil)
	require.Error(t, err)

	totals := counterTotals(t, reader)
	assert.Equal(t, int64(3), totals["apiclient.attempts"])
	assert.Equal(t, int64(2), totals["apiclient.retries"])
	assert.Equal(t, int64(2), totals["apiclient.calls"])
}
