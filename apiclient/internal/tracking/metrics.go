// Package tracking records OpenTelemetry metrics for outbound API calls.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wattswap/wattswap-go/observability"
)

const (
	// Meter name for request client instrumentation
	meterName = "wattswap/apiclient"

	metricRequestDuration = "http.client.request.duration" // Histogram in seconds, one point per attempt
	metricAttempts        = "apiclient.attempts"
	metricRetries         = "apiclient.retries"
	metricCalls           = "apiclient.calls"

	attrHTTPRequestMethod  = "http.request.method"
	attrHTTPResponseStatus = "http.response.status_code"
	attrErrorType          = "error.type"
	attrOutcome            = "apiclient.outcome"
	attrAttempt            = "apiclient.attempt"

	// OutcomeSuccess is recorded on apiclient.calls for a successful logical call.
	OutcomeSuccess = "success"
)

// Client request duration buckets per OTel semantic conventions
var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

var (
	meter       metric.Meter
	meterOnce   sync.Once
	meterInitMu sync.Mutex

	durationHistogram metric.Float64Histogram
	attemptCounter    metric.Int64Counter
	retryCounter      metric.Int64Counter
	callCounter       metric.Int64Counter
)

func logMetricError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize apiclient metric %s: %v\n", name, err)
	}
}

func initMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if meter != nil {
		return
	}

	meter = otel.Meter(meterName)

	var err error
	durationHistogram, err = observability.CreateHistogram(meter, metricRequestDuration,
		"Duration of outbound API attempts",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	logMetricError(metricRequestDuration, err)

	attemptCounter, err = observability.CreateCounter(meter, metricAttempts,
		"Network attempts issued by the request client", metric.WithUnit("{attempt}"))
	logMetricError(metricAttempts, err)

	retryCounter, err = observability.CreateCounter(meter, metricRetries,
		"Retries scheduled after a retryable failure", metric.WithUnit("{retry}"))
	logMetricError(metricRetries, err)

	callCounter, err = observability.CreateCounter(meter, metricCalls,
		"Logical calls completed by the request client", metric.WithUnit("{call}"))
	logMetricError(metricCalls, err)
}

func ensureInitialized() {
	meterOnce.Do(initMeter)
}

// RecordAttempt records one network attempt. status is 0 when no response
// arrived; kind is empty for a successful attempt.
func RecordAttempt(ctx context.Context, method string, attempt, status int, kind string, duration time.Duration) {
	ensureInitialized()

	attrs := []attribute.KeyValue{
		attribute.String(attrHTTPRequestMethod, method),
		attribute.Int(attrAttempt, attempt),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int(attrHTTPResponseStatus, status))
	}
	if kind != "" {
		attrs = append(attrs, attribute.String(attrErrorType, kind))
	}

	if durationHistogram != nil {
		durationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if attemptCounter != nil {
		attemptCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRetry records a retry scheduled after a failure of the given kind.
func RecordRetry(ctx context.Context, method, kind string) {
	ensureInitialized()
	if retryCounter != nil {
		retryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrHTTPRequestMethod, method),
			attribute.String(attrErrorType, kind),
		))
	}
}

// RecordCall records the final outcome of a logical call: OutcomeSuccess or the error kind.
func RecordCall(ctx context.Context, method, outcome string) {
	ensureInitialized()
	if callCounter != nil {
		callCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrHTTPRequestMethod, method),
			attribute.String(attrOutcome, outcome),
		))
	}
}

// ResetForTesting drops the cached meter so the next record call binds to
// the current global MeterProvider. Only for tests.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	meter = nil
	durationHistogram = nil
	attemptCounter = nil
	retryCounter = nil
	callCounter = nil
	meterOnce = sync.Once{}
}
