package observability

import (
	"strings"
	"time"
)

const (
	// EndpointStdout writes telemetry to stdout instead of an OTLP collector.
	EndpointStdout = "stdout"

	// ProtocolHTTP specifies OTLP over HTTP/protobuf.
	ProtocolHTTP = "http"

	// ProtocolGRPC specifies OTLP over gRPC.
	ProtocolGRPC = "grpc"

	// EnvironmentDevelopment is the default deployment environment.
	EnvironmentDevelopment = "development"
)

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool {
	return &v
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}

// Config defines the configuration for trace and metric export.
// It is unmarshaled from the "observability" section of the client configuration.
type Config struct {
	// Enabled controls whether observability is active.
	// When false, NewProvider returns no-op providers.
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled"`

	Service     ServiceConfig `koanf:"service" json:"service" yaml:"service"`
	Environment string        `koanf:"environment" json:"environment" yaml:"environment"`
	Trace       TraceConfig   `koanf:"trace" json:"trace" yaml:"trace"`
	Metrics     MetricsConfig `koanf:"metrics" json:"metrics" yaml:"metrics"`
}

// ServiceConfig identifies the service in exported telemetry.
type ServiceConfig struct {
	Name    string `koanf:"name" json:"name" yaml:"name"`
	Version string `koanf:"version" json:"version" yaml:"version"`
}

// TraceConfig defines configuration for span export.
type TraceConfig struct {
	// Enabled: nil means true when observability is enabled.
	Enabled *bool `koanf:"enabled" json:"enabled" yaml:"enabled"`

	// Endpoint is "stdout" or an OTLP endpoint. HTTP endpoints carry a scheme
	// (http://localhost:4318), gRPC endpoints are host:port (localhost:4317).
	Endpoint string            `koanf:"endpoint" json:"endpoint" yaml:"endpoint"`
	Protocol string            `koanf:"protocol" json:"protocol" yaml:"protocol"`
	Insecure bool              `koanf:"insecure" json:"insecure" yaml:"insecure"`
	Headers  map[string]string `koanf:"headers" json:"-" yaml:"headers"`

	// SampleRate is the fraction of traces recorded (0.0 to 1.0). nil means 1.0.
	SampleRate *float64 `koanf:"samplerate" json:"samplerate" yaml:"samplerate"`

	// BatchTimeout is how long spans are buffered before export.
	BatchTimeout time.Duration `koanf:"batchtimeout" json:"batchtimeout" yaml:"batchtimeout"`
}

// MetricsConfig defines configuration for metric export.
// Empty Protocol, Headers and Insecure fall back to the trace settings.
type MetricsConfig struct {
	Enabled  *bool             `koanf:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint string            `koanf:"endpoint" json:"endpoint" yaml:"endpoint"`
	Protocol string            `koanf:"protocol" json:"protocol" yaml:"protocol"`
	Insecure *bool             `koanf:"insecure" json:"insecure" yaml:"insecure"`
	Headers  map[string]string `koanf:"headers" json:"-" yaml:"headers"`

	// Interval is how often metrics are collected and exported.
	Interval time.Duration `koanf:"interval" json:"interval" yaml:"interval"`
}

// ApplyDefaults fills unset fields. It is safe to call more than once.
func (c *Config) ApplyDefaults() {
	if c.Service.Version == "" {
		c.Service.Version = "unknown"
	}
	if c.Environment == "" {
		c.Environment = EnvironmentDevelopment
	}

	if c.Trace.Endpoint == "" {
		c.Trace.Endpoint = EndpointStdout
	}
	if c.Trace.Protocol == "" {
		c.Trace.Protocol = ProtocolHTTP
	}
	if c.Enabled && c.Trace.Enabled == nil {
		c.Trace.Enabled = BoolPtr(true)
	}
	if c.Trace.SampleRate == nil {
		c.Trace.SampleRate = Float64Ptr(1.0)
	}
	if c.Trace.BatchTimeout == 0 {
		if c.Environment == EnvironmentDevelopment || c.Trace.Endpoint == EndpointStdout {
			c.Trace.BatchTimeout = 500 * time.Millisecond
		} else {
			c.Trace.BatchTimeout = 5 * time.Second
		}
	}

	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = EndpointStdout
	}
	if c.Metrics.Protocol == "" {
		c.Metrics.Protocol = c.Trace.Protocol
	}
	if c.Metrics.Insecure == nil {
		c.Metrics.Insecure = BoolPtr(c.Trace.Insecure)
	}
	if c.Metrics.Headers == nil && c.Trace.Headers != nil {
		c.Metrics.Headers = make(map[string]string, len(c.Trace.Headers))
		for k, v := range c.Trace.Headers {
			c.Metrics.Headers[k] = v
		}
	}
	if c.Enabled && c.Metrics.Enabled == nil {
		c.Metrics.Enabled = BoolPtr(true)
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = 10 * time.Second
	}
}

// TraceEnabled reports whether spans are exported.
func (c *Config) TraceEnabled() bool {
	return c.Enabled && c.Trace.Enabled != nil && *c.Trace.Enabled
}

// MetricsEnabled reports whether metrics are exported.
func (c *Config) MetricsEnabled() bool {
	return c.Enabled && c.Metrics.Enabled != nil && *c.Metrics.Enabled
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Enabled {
		return nil
	}
	if c.Service.Name == "" {
		return ErrMissingServiceName
	}
	if c.Trace.SampleRate != nil && (*c.Trace.SampleRate < 0 || *c.Trace.SampleRate > 1) {
		return ErrInvalidSampleRate
	}
	if err := validateEndpoint(c.Trace.Endpoint, c.Trace.Protocol); err != nil {
		return err
	}
	return validateEndpoint(c.Metrics.Endpoint, c.Metrics.Protocol)
}

// validateEndpoint checks that the endpoint format matches the protocol.
func validateEndpoint(endpoint, protocol string) error {
	if endpoint == EndpointStdout || endpoint == "" {
		return nil
	}

	hasScheme := strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
	switch protocol {
	case "", ProtocolHTTP:
		if !hasScheme {
			return ErrInvalidEndpointFormat
		}
	case ProtocolGRPC:
		if hasScheme {
			return ErrInvalidEndpointFormat
		}
	default:
		return ErrInvalidProtocol
	}
	return nil
}
