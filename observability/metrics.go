package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials/insecure"
)

func (p *provider) initMeterProvider(res *resource.Resource) error {
	exporter, err := p.createMetricExporter()
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(p.config.Metrics.Interval),
		)),
	)
	return nil
}

func (p *provider) createMetricExporter() (sdkmetric.Exporter, error) {
	mc := p.config.Metrics
	if mc.Endpoint == EndpointStdout {
		return stdoutmetric.New(stdoutmetric.WithWriter(p.stdout), stdoutmetric.WithPrettyPrint())
	}

	useInsecure := mc.Insecure != nil && *mc.Insecure
	switch mc.Protocol {
	case ProtocolHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(mc.Endpoint)}
		if useInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(mc.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(mc.Headers))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case ProtocolGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(mc.Endpoint)}
		if useInsecure {
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(mc.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(mc.Headers))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("metrics protocol '%s': %w", mc.Protocol, ErrInvalidProtocol)
	}
}

// CreateCounter creates an Int64Counter with the given description.
func CreateCounter(meter metric.Meter, name, description string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return meter.Int64Counter(name, append([]metric.Int64CounterOption{metric.WithDescription(description)}, opts...)...)
}

// CreateHistogram creates a Float64Histogram with the given description.
func CreateHistogram(meter metric.Meter, name, description string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return meter.Float64Histogram(name, append([]metric.Float64HistogramOption{metric.WithDescription(description)}, opts...)...)
}
