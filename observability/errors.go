package observability

import "errors"

var (
	// ErrNilConfig is returned when Validate is called on a nil Config pointer.
	ErrNilConfig = errors.New("observability: config is nil")

	// ErrMissingServiceName is returned when observability is enabled without a service name.
	ErrMissingServiceName = errors.New("observability: service name is required when observability is enabled")

	// ErrInvalidSampleRate is returned when the trace sample rate is outside [0.0, 1.0].
	ErrInvalidSampleRate = errors.New("observability: trace sample rate must be between 0.0 and 1.0")

	// ErrInvalidProtocol is returned when a protocol is not "http" or "grpc".
	ErrInvalidProtocol = errors.New("observability: protocol must be either 'http' or 'grpc'")

	// ErrInvalidEndpointFormat is returned when the endpoint format doesn't match the protocol.
	// gRPC endpoints must be host:port; HTTP endpoints must include a scheme.
	ErrInvalidEndpointFormat = errors.New("observability: invalid endpoint format for protocol")
)
