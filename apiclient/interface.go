package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"time"
)

// Client issues logical calls against the backend API.
type Client interface {
	Get(ctx context.Context, path string, body any, headers map[string]string) (*Response, error)
	Post(ctx context.Context, path string, body any, headers map[string]string) (*Response, error)
	Put(ctx context.Context, path string, body any, headers map[string]string) (*Response, error)
	Delete(ctx context.Context, path string, body any, headers map[string]string) (*Response, error)
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Request is one logical call. Body, when non-nil, is sent as JSON.
// Headers are merged over the client's base and default headers.
type Request struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

// Response is a successful (2xx) result.
type Response struct {
	StatusCode int
	// Body is the raw response body.
	Body []byte
	// Data is Body decoded as JSON, nil for an empty body.
	Data    any
	Headers nethttp.Header
	Stats   Stats
}

// Stats contains request execution statistics
type Stats struct {
	ElapsedTime time.Duration
	CallCount   int64
	Attempts    int
}

// Config holds the request client configuration
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         bool
	DefaultHeaders map[string]string
	ManifestCheck  bool
	TraceIDHeader  string
	RateLimit      float64
	RateBurst      int
}

// DecodeInto decodes resp.Body into a T. An empty body yields the zero T.
func DecodeInto[T any](resp *Response) (T, error) {
	var out T
	if resp == nil {
		return out, newError(KindUnknown, "nil response", nil)
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, newError(KindUnknown, "failed to decode response body", err)
	}
	return out, nil
}
