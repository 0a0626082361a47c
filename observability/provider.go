package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultShutdownTimeout bounds Shutdown when no timeout is given.
const DefaultShutdownTimeout = 10 * time.Second

// Provider manages the lifecycle of the tracer and meter providers.
type Provider interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider

	// Shutdown flushes pending telemetry and releases exporters.
	Shutdown(ctx context.Context) error
	ForceFlush(ctx context.Context) error
}

// Option customizes NewProvider.
type Option func(*provider)

// WithStdoutWriter redirects the stdout exporters to w.
func WithStdoutWriter(w io.Writer) Option {
	return func(p *provider) {
		p.stdout = w
	}
}

type provider struct {
	config         Config
	stdout         io.Writer
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	mu             sync.Mutex
}

// NewProvider creates an observability provider from cfg. Defaults are applied
// to a copy of cfg before validation. A disabled config yields no-op providers.
// When enabled, the SDK providers and the W3C propagator are installed globally.
func NewProvider(cfg *Config, opts ...Option) (Provider, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	safeCfg := *cfg
	safeCfg.ApplyDefaults()
	if err := safeCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observability config: %w", err)
	}

	if !safeCfg.Enabled {
		return newNoopProvider(), nil
	}

	p := &provider{config: safeCfg, stdout: os.Stdout}
	for _, opt := range opts {
		opt(p)
	}

	res, err := p.createResource()
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if safeCfg.TraceEnabled() {
		if err := p.initTraceProvider(res); err != nil {
			return nil, fmt.Errorf("failed to initialize trace provider: %w", err)
		}
		otel.SetTracerProvider(p.tracerProvider)
	}

	if safeCfg.MetricsEnabled() {
		if err := p.initMeterProvider(res); err != nil {
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(p.meterProvider)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return p, nil
}

func (p *provider) initTraceProvider(res *resource.Resource) error {
	exporter, err := p.createTraceExporter()
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.Trace.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*p.config.Trace.SampleRate))),
	)
	return nil
}

func (p *provider) createResource() (*resource.Resource, error) {
	custom, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(p.config.Service.Name),
			semconv.ServiceVersion(p.config.Service.Version),
			semconv.DeploymentEnvironmentName(p.config.Environment),
		),
	)
	if err != nil {
		return nil, err
	}
	return resource.Merge(resource.Default(), custom)
}

func (p *provider) createTraceExporter() (sdktrace.SpanExporter, error) {
	tc := p.config.Trace
	if tc.Endpoint == EndpointStdout {
		return stdouttrace.New(stdouttrace.WithWriter(p.stdout), stdouttrace.WithPrettyPrint())
	}

	switch tc.Protocol {
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
		}
		return otlptracehttp.New(context.Background(), opts...)
	case ProtocolGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("trace protocol '%s': %w", tc.Protocol, ErrInvalidProtocol)
	}
}

func (p *provider) TracerProvider() trace.TracerProvider {
	if p.tracerProvider == nil {
		return noop.NewTracerProvider()
	}
	return p.tracerProvider
}

func (p *provider) MeterProvider() metric.MeterProvider {
	if p.meterProvider == nil {
		return metricnoop.NewMeterProvider()
	}
	return p.meterProvider
}

func (p *provider) Shutdown(ctx context.Context) error {
	return p.each(ctx, "shutdown",
		func(ctx context.Context) error { return p.tracerProvider.Shutdown(ctx) },
		func(ctx context.Context) error { return p.meterProvider.Shutdown(ctx) })
}

func (p *provider) ForceFlush(ctx context.Context) error {
	return p.each(ctx, "flush",
		func(ctx context.Context) error { return p.tracerProvider.ForceFlush(ctx) },
		func(ctx context.Context) error { return p.meterProvider.ForceFlush(ctx) })
}

// each runs traceFn and meterFn for whichever SDK providers exist and joins their errors.
func (p *provider) each(ctx context.Context, op string, traceFn, meterFn func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.tracerProvider != nil {
		if err := traceFn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to %s trace provider: %w", op, err))
		}
	}
	if p.meterProvider != nil {
		if err := meterFn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to %s meter provider: %w", op, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s errors: %w", op, errors.Join(errs...))
	}
	return nil
}

// Shutdown shuts p down within timeout (DefaultShutdownTimeout when <= 0).
func Shutdown(p Provider, timeout time.Duration) error {
	if p == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.Shutdown(ctx); err != nil {
		return fmt.Errorf("observability shutdown failed: %w", err)
	}
	return nil
}
