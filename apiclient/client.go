package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/wattswap/wattswap-go/apiclient/internal/tracking"
	"github.com/wattswap/wattswap-go/logger"
	"github.com/wattswap/wattswap-go/session"
	reqtrace "github.com/wattswap/wattswap-go/trace"
)

const (
	// DefaultTimeout bounds each network attempt
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts is the number of retries after the first attempt
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the backoff unit: waits are 1, 2, 4 x DefaultBaseDelay
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps a single backoff wait
	DefaultMaxDelay = 30 * time.Second

	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	headerRetryAfter    = "Retry-After"
	mimeJSON            = "application/json"

	tracerName = "wattswap/apiclient"
)

// client implements the Client interface
type client struct {
	httpClient *nethttp.Client
	logger     logger.Logger
	config     *Config
	sessions   session.Provider
	limiter    *rate.Limiter
	tracer     oteltrace.Tracer
	wait       func(ctx context.Context, d time.Duration) error
	callCount  int64
}

// NewClient creates a client for baseURL with default configuration
func NewClient(log logger.Logger, baseURL string) Client {
	return NewBuilder(log).WithBaseURL(baseURL).Build()
}

// Builder provides a fluent interface for configuring the client
type Builder struct {
	config         *Config
	logger         logger.Logger
	sessions       session.Provider
	httpClient     *nethttp.Client
	transport      nethttp.RoundTripper
	tracerProvider oteltrace.TracerProvider
}

// NewBuilder creates a new client builder
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{
		config: &Config{
			Timeout:        DefaultTimeout,
			MaxAttempts:    DefaultMaxAttempts,
			BaseDelay:      DefaultBaseDelay,
			MaxDelay:       DefaultMaxDelay,
			DefaultHeaders: make(map[string]string),
			ManifestCheck:  true,
			TraceIDHeader:  reqtrace.HeaderXRequestID,
		},
		logger: log,
	}
}

// WithBaseURL sets the API root that request paths are joined to
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.BaseURL = baseURL
	return b
}

// WithTimeout sets the per-attempt timeout
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.config.Timeout = timeout
	}
	return b
}

// WithRetries sets how many retries follow the first attempt and the backoff unit
func (b *Builder) WithRetries(maxAttempts int, baseDelay time.Duration) *Builder {
	b.config.MaxAttempts = maxAttempts
	b.config.BaseDelay = baseDelay
	return b
}

// WithMaxDelay caps a single backoff wait
func (b *Builder) WithMaxDelay(maxDelay time.Duration) *Builder {
	b.config.MaxDelay = maxDelay
	return b
}

// WithJitter enables full jitter on backoff waits
func (b *Builder) WithJitter(enabled bool) *Builder {
	b.config.Jitter = enabled
	return b
}

// WithSessionProvider sets where bearer credentials come from
func (b *Builder) WithSessionProvider(provider session.Provider) *Builder {
	b.sessions = provider
	return b
}

// WithDefaultHeader adds a header sent with every request
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithHTTPClient uses a copy of httpClient for network attempts
func (b *Builder) WithHTTPClient(httpClient *nethttp.Client) *Builder {
	b.httpClient = httpClient
	return b
}

// WithTransport sets the RoundTripper, overriding the one on any WithHTTPClient client
func (b *Builder) WithTransport(transport nethttp.RoundTripper) *Builder {
	b.transport = transport
	return b
}

// WithRateLimit throttles attempts client-side. rps <= 0 disables the limiter.
func (b *Builder) WithRateLimit(rps float64, burst int) *Builder {
	b.config.RateLimit = rps
	b.config.RateBurst = burst
	return b
}

// WithManifestCheck toggles dev-server manifest detection
func (b *Builder) WithManifestCheck(enabled bool) *Builder {
	b.config.ManifestCheck = enabled
	return b
}

// WithTraceIDHeader sets the header carrying the per-call request ID
func (b *Builder) WithTraceIDHeader(header string) *Builder {
	if header != "" {
		b.config.TraceIDHeader = header
	}
	return b
}

// WithTracerProvider sets the provider for call spans (default: the global provider)
func (b *Builder) WithTracerProvider(tp oteltrace.TracerProvider) *Builder {
	b.tracerProvider = tp
	return b
}

// Build creates the client with the configured options
func (b *Builder) Build() Client {
	cfg := *b.config
	cfg.DefaultHeaders = maps.Clone(b.config.DefaultHeaders)

	log := b.logger
	if log == nil {
		log = logger.NewNop()
	}

	httpClient := &nethttp.Client{}
	if b.httpClient != nil {
		clone := *b.httpClient
		httpClient = &clone
	}
	if b.transport != nil {
		httpClient.Transport = b.transport
	}

	sessions := b.sessions
	if sessions == nil {
		sessions = session.None()
	}

	tp := b.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &client{
		httpClient: httpClient,
		logger:     log,
		config:     &cfg,
		sessions:   sessions,
		limiter:    limiter,
		tracer:     tp.Tracer(tracerName),
		wait:       sleepContext,
	}
}

// Get performs a GET request
func (c *client) Get(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: nethttp.MethodGet, Path: path, Body: body, Headers: headers})
}

// Post performs a POST request
func (c *client) Post(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: nethttp.MethodPost, Path: path, Body: body, Headers: headers})
}

// Put performs a PUT request
func (c *client) Put(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: nethttp.MethodPut, Path: path, Body: body, Headers: headers})
}

// Delete performs a DELETE request
func (c *client) Delete(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: nethttp.MethodDelete, Path: path, Body: body, Headers: headers})
}

// call is the per-call state shared by the attempts of one logical call.
type call struct {
	method  string
	target  string
	body    []byte
	headers nethttp.Header
	log     logger.Logger

	// sessionAuth is set when the latest attempt carried the session's credential.
	sessionAuth bool
}

// Do performs one logical call, retrying transient failures.
func (c *client) Do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	callCount := atomic.AddInt64(&c.callCount, 1)

	cl, apiErr := c.prepare(ctx, req)
	if apiErr != nil {
		tracking.RecordCall(ctx, requestMethod(req), apiErr.Kind.String())
		c.logger.Error().
			Str("kind", apiErr.Kind.String()).
			Str("error", apiErr.Message).
			Msg("API request rejected")
		return nil, apiErr
	}

	ctx, span := c.tracer.Start(ctx, "apiclient "+cl.method,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("http.request.method", cl.method),
			attribute.String("url.full", cl.target),
		),
	)
	defer span.End()

	state := NewRetryState(c.config.MaxAttempts, c.config.BaseDelay, c.config.MaxDelay, c.config.Jitter)
	for {
		resp, apiErr, retryAfter := c.attempt(ctx, cl, state.Attempt)
		if apiErr == nil {
			resp.Stats = Stats{
				ElapsedTime: time.Since(start),
				CallCount:   callCount,
				Attempts:    state.Attempt + 1,
			}
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			span.SetStatus(codes.Ok, "")
			tracking.RecordCall(ctx, cl.method, tracking.OutcomeSuccess)
			c.logResponse(cl.log, resp)
			return resp, nil
		}
		apiErr.Attempts = state.Attempt + 1

		if apiErr.final || !apiErr.Kind.Retryable() || !state.CanRetry() {
			return nil, c.fail(ctx, span, cl, apiErr, start)
		}

		delay := state.delayWithRetryAfter(retryAfter)
		cl.log.Warn().
			Str("kind", apiErr.Kind.String()).
			Int("status", apiErr.Status).
			Int("attempt", state.Attempt+1).
			Dur("backoff", delay).
			Msg("API call failed, retrying")
		tracking.RecordRetry(ctx, cl.method, apiErr.Kind.String())

		if err := c.wait(ctx, delay); err != nil {
			cancelled := callerError(err)
			cancelled.Attempts = apiErr.Attempts
			return nil, c.fail(ctx, span, cl, cancelled, start)
		}
		state = state.Next()
	}
}

// prepare validates req and computes everything that stays fixed across attempts.
func (c *client) prepare(ctx context.Context, req *Request) (*call, *APIError) {
	if req == nil {
		return nil, newError(KindClientError, "request cannot be nil", nil)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = nethttp.MethodGet
	}
	switch method {
	case nethttp.MethodGet, nethttp.MethodPost, nethttp.MethodPut, nethttp.MethodDelete:
	default:
		return nil, newError(KindClientError, fmt.Sprintf("unsupported method %q", req.Method), nil)
	}

	if strings.TrimSpace(req.Path) == "" {
		return nil, newError(KindClientError, "path cannot be empty", nil)
	}

	target, err := c.resolveURL(req.Path)
	if err != nil {
		return nil, newError(KindClientError, "invalid request URL", err)
	}

	var body []byte
	if req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, newError(KindClientError, "request body is not JSON serializable", err)
		}
	}

	headers := c.baseHeaders(ctx, req.Headers)
	return &call{
		method:  method,
		target:  target,
		body:    body,
		headers: headers,
		log: c.logger.WithFields(map[string]any{
			"direction":  "outbound",
			"method":     method,
			"path":       req.Path,
			"request_id": headers.Get(c.config.TraceIDHeader),
		}),
	}, nil
}

func (c *client) resolveURL(path string) (string, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if c.config.BaseURL == "" {
			return "", errors.New("no base URL configured for relative path")
		}
		target = strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q must be absolute", target)
	}
	return target, nil
}

// baseHeaders merges, in increasing precedence: JSON content headers, client
// defaults, caller headers. The request ID is generated once per logical call
// unless the caller supplied one.
func (c *client) baseHeaders(ctx context.Context, extra map[string]string) nethttp.Header {
	h := make(nethttp.Header)
	h.Set(headerContentType, mimeJSON)
	h.Set(headerAccept, mimeJSON)
	for key, value := range c.config.DefaultHeaders {
		h.Set(key, value)
	}
	for key, value := range extra {
		h.Set(key, value)
	}
	if h.Get(c.config.TraceIDHeader) == "" {
		h.Set(c.config.TraceIDHeader, reqtrace.EnsureTraceID(ctx))
	}
	return h
}

// attempt performs one network attempt. retryAfter is the server's Retry-After
// hint, zero when absent.
func (c *client) attempt(ctx context.Context, cl *call, attempt int) (resp *Response, apiErr *APIError, retryAfter time.Duration) {
	if err := ctx.Err(); err != nil {
		return nil, callerError(err), 0
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, callerError(ctxErr), 0
			}
			// The limiter refused because the caller's deadline would pass first.
			return nil, callerError(fmt.Errorf("%w: %v", context.DeadlineExceeded, err)), 0
		}
	}

	cred := c.resolveCredential(ctx, cl.log)

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := c.buildRequest(attemptCtx, cl, cred)
	cl.sessionAuth = err == nil && cred != nil && cl.headers.Get(headerAuthorization) == ""
	if err != nil {
		return nil, newError(KindClientError, "failed to create HTTP request", err), 0
	}

	cl.log.Debug().
		Int("attempt", attempt+1).
		Interface("headers", httpReq.Header).
		Msg("API request")

	started := time.Now()
	status := 0
	defer func() {
		kind := ""
		if apiErr != nil {
			kind = apiErr.Kind.String()
		}
		tracking.RecordAttempt(ctx, cl.method, attempt, status, kind, time.Since(started))
		attrs := []attribute.KeyValue{attribute.Int("attempt", attempt+1)}
		if status > 0 {
			attrs = append(attrs, attribute.Int("http.response.status_code", status))
		}
		if kind != "" {
			attrs = append(attrs, attribute.String("error.type", kind))
		}
		oteltrace.SpanFromContext(ctx).AddEvent("attempt", oteltrace.WithAttributes(attrs...))
	}()

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err), 0
	}
	defer httpResp.Body.Close()
	status = httpResp.StatusCode

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		apiErr = classifyTransportError(ctx, err)
		if apiErr.Kind == KindUnknown && !apiErr.final {
			apiErr.Kind = KindNetworkUnreachable
			apiErr.Message = "failed to read response body"
		}
		apiErr.Status = status
		return nil, apiErr, 0
	}

	resp, apiErr = c.handleResponse(httpResp, raw)
	if apiErr != nil && (status == nethttp.StatusTooManyRequests || status == nethttp.StatusServiceUnavailable) {
		retryAfter = parseRetryAfter(httpResp.Header.Get(headerRetryAfter), time.Now())
	}
	return resp, apiErr, retryAfter
}

// resolveCredential asks the session provider for the current credential.
// A failure means "no credential", never a failed call.
func (c *client) resolveCredential(ctx context.Context, log logger.Logger) *session.Credential {
	cred, err := c.sessions.CurrentCredential(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Credential resolution failed, sending request without authorization")
		return nil
	}
	if cred == nil || cred.Token == "" {
		return nil
	}
	return cred
}

// buildRequest constructs the *http.Request for one attempt.
func (c *client) buildRequest(ctx context.Context, cl *call, cred *session.Credential) (*nethttp.Request, error) {
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}

	httpReq, err := nethttp.NewRequestWithContext(ctx, cl.method, cl.target, body)
	if err != nil {
		return nil, err
	}

	httpReq.Header = cl.headers.Clone()
	// Authorization sits between the content headers and the default/caller
	// headers, so an explicit Authorization from either of those wins.
	if cred != nil && httpReq.Header.Get(headerAuthorization) == "" {
		httpReq.Header.Set(headerAuthorization, cred.AuthorizationHeader())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	return httpReq, nil
}

// handleResponse decodes raw and classifies the HTTP outcome.
func (c *client) handleResponse(httpResp *nethttp.Response, raw []byte) (*Response, *APIError) {
	status := httpResp.StatusCode
	data, decodeErr := decodeBody(raw)

	if c.config.ManifestCheck && decodeErr == nil && looksLikeDevServerManifest(data) {
		return nil, newStatusError(KindProtocolMismatch, status,
			"received a development server manifest instead of an API response; check the API base URL", "", raw)
	}

	if IsSuccessStatus(status) {
		if decodeErr != nil {
			apiErr := newStatusError(KindUnknown, status, "response body is not valid JSON", "", raw)
			apiErr.Err = decodeErr
			return nil, apiErr
		}
		return &Response{
			StatusCode: status,
			Body:       raw,
			Data:       data,
			Headers:    httpResp.Header,
		}, nil
	}

	message, code := errorDetails(data, status)
	return nil, newStatusError(kindForStatus(status), status, message, code, raw)
}

// fail finishes a call that ended in apiErr.
func (c *client) fail(ctx context.Context, span oteltrace.Span, cl *call, apiErr *APIError, start time.Time) *APIError {
	if apiErr.Status == nethttp.StatusUnauthorized && cl.sessionAuth {
		if inv, ok := c.sessions.(session.Invalidator); ok {
			inv.Invalidate()
		}
	}

	span.RecordError(apiErr)
	span.SetStatus(codes.Error, apiErr.Kind.String())
	if apiErr.Status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", apiErr.Status))
	}
	tracking.RecordCall(ctx, cl.method, apiErr.Kind.String())

	event := cl.log.Error().
		Str("kind", apiErr.Kind.String()).
		Int("attempts", apiErr.Attempts).
		Dur("elapsed", time.Since(start))
	if apiErr.Status > 0 {
		event = event.Int("status", apiErr.Status)
	}
	if apiErr.Code != "" {
		event = event.Str("code", apiErr.Code)
	}
	if apiErr.Err != nil {
		event = event.Err(apiErr.Err)
	}
	event.Msg(apiErr.Message)

	return apiErr
}

// logResponse logs a successful response
func (c *client) logResponse(log logger.Logger, resp *Response) {
	log.Info().
		Int("status", resp.StatusCode).
		Dur("elapsed", resp.Stats.ElapsedTime).
		Int64("call_count", resp.Stats.CallCount).
		Int("attempts", resp.Stats.Attempts).
		Msg("API response")

	if len(resp.Body) > 0 {
		log.Debug().Bytes("body", resp.Body).Msg("API response body")
	}
}

// callerError converts the caller's context error into a terminal APIError.
func callerError(err error) *APIError {
	apiErr := newError(KindUnknown, "call cancelled by caller", err)
	if errors.Is(err, context.DeadlineExceeded) {
		apiErr = newError(KindTimeout, "caller deadline exceeded", err)
	}
	apiErr.final = true
	return apiErr
}

// classifyTransportError maps a failed round trip onto a Kind using the
// transport's structured errors.
func classifyTransportError(ctx context.Context, err error) *APIError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return callerError(ctxErr)
	}

	switch {
	case isTimeout(err):
		return newError(KindTimeout, "request timed out", err)
	case isNetworkFailure(err):
		return newError(KindNetworkUnreachable, "network unreachable", err)
	default:
		return newError(KindUnknown, "request failed", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func decodeBody(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// errorDetails extracts message and code from a JSON error body.
func errorDetails(data any, status int) (message, code string) {
	message = fmt.Sprintf("HTTP request failed with status %d", status)

	obj, ok := data.(map[string]any)
	if !ok {
		return message, ""
	}
	if m, ok := obj["message"].(string); ok && m != "" {
		message = m
	}
	switch v := obj["code"].(type) {
	case string:
		code = v
	case float64:
		code = fmt.Sprintf("%g", v)
	}
	return message, code
}

func kindForStatus(status int) Kind {
	switch {
	case status == nethttp.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status < 600:
		return KindServerError
	case status >= 400 && status < 500:
		return KindClientError
	default:
		return KindUnknown
	}
}

func requestMethod(req *Request) string {
	if req == nil || req.Method == "" {
		return nethttp.MethodGet
	}
	return strings.ToUpper(req.Method)
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
