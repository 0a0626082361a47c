package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/wattswap/wattswap-go/config"
	"github.com/wattswap/wattswap-go/internal/testutil"
	"github.com/wattswap/wattswap-go/logger"
	"github.com/wattswap/wattswap-go/session"
	wtesting "github.com/wattswap/wattswap-go/testing"
	"github.com/wattswap/wattswap-go/testing/fakeapi"
	"github.com/wattswap/wattswap-go/testing/mocks"
	reqtrace "github.com/wattswap/wattswap-go/trace"
)

const (
	testContentTypeHdr = "Content-Type"
	testAuthHdr        = "Authorization"
	testJSONType       = "application/json"
	offersBody         = `{"offers":[{"id":"o1","kwh":12.5,"seller":{"id":"u7"}}]}`
)

type roundTripperFunc func(*nethttp.Request) (*nethttp.Response, error)

func (f roundTripperFunc) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	return f(req)
}

// waitRecorder captures backoff waits while still sleeping for real.
type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return sleepContext(ctx, d)
}

func (w *waitRecorder) Delays() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func createTestLogger() logger.Logger {
	return logger.NewNop()
}

// build returns the concrete client with backoff waits recorded.
func build(t *testing.T, b *Builder) (*client, *waitRecorder) {
	t.Helper()
	c, ok := b.Build().(*client)
	require.True(t, ok)

	rec := &waitRecorder{}
	c.wait = rec.wait
	return c, rec
}

func newFastBuilder(baseURL string) *Builder {
	return NewBuilder(createTestLogger()).
		WithBaseURL(baseURL).
		WithRetries(DefaultMaxAttempts, wtesting.TestBaseDelay)
}

func requireAPIError(t *testing.T, err error) *APIError {
	t.Helper()
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr
}

func TestNewClient(t *testing.T) {
	c := NewClient(createTestLogger(), testutil.TestBaseURL)
	require.NotNil(t, c)

	impl := c.(*client)
	assert.Equal(t, testutil.TestBaseURL, impl.config.BaseURL)
	assert.Equal(t, DefaultTimeout, impl.config.Timeout)
	assert.Equal(t, DefaultMaxAttempts, impl.config.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, impl.config.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, impl.config.MaxDelay)
	assert.False(t, impl.config.Jitter)
	assert.True(t, impl.config.ManifestCheck)
	assert.Nil(t, impl.limiter)
}

func TestBuilder(t *testing.T) {
	log := createTestLogger()

	t.Run("options are applied", func(t *testing.T) {
		c := NewBuilder(log).
			WithBaseURL(testutil.TestBaseURL).
			WithTimeout(5*time.Second).
			WithRetries(1, 250*time.Millisecond).
			WithMaxDelay(2*time.Second).
			WithJitter(true).
			WithRateLimit(10, 3).
			WithManifestCheck(false).
			WithTraceIDHeader("X-Correlation-ID").
			WithDefaultHeader("X-Client", "wattctl").
			Build().(*client)

		assert.Equal(t, 5*time.Second, c.config.Timeout)
		assert.Equal(t, 1, c.config.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, c.config.BaseDelay)
		assert.Equal(t, 2*time.Second, c.config.MaxDelay)
		assert.True(t, c.config.Jitter)
		assert.False(t, c.config.ManifestCheck)
		assert.Equal(t, "X-Correlation-ID", c.config.TraceIDHeader)
		assert.Equal(t, "wattctl", c.config.DefaultHeaders["X-Client"])
		require.NotNil(t, c.limiter)
		assert.Equal(t, 3, c.limiter.Burst())
	})

	t.Run("built clients do not share default headers", func(t *testing.T) {
		b := NewBuilder(log).WithDefaultHeader("X-A", "1")
		first := b.Build().(*client)
		b.WithDefaultHeader("X-B", "2")
		second := b.Build().(*client)

		assert.NotContains(t, first.config.DefaultHeaders, "X-B")
		assert.Contains(t, second.config.DefaultHeaders, "X-B")
	})

	t.Run("with custom http client", func(t *testing.T) {
		customTransport := roundTripperFunc(func(req *nethttp.Request) (*nethttp.Response, error) {
			return nil, errors.New(testutil.TestError)
		})
		custom := &nethttp.Client{Timeout: 123 * time.Millisecond, Transport: customTransport}
		c := NewBuilder(log).WithHTTPClient(custom).Build().(*client)

		assert.NotSame(t, custom, c.httpClient)
		assert.Equal(t, 123*time.Millisecond, c.httpClient.Timeout)
		assert.NotNil(t, c.httpClient.Transport)
	})

	t.Run("nil logger falls back to nop", func(t *testing.T) {
		c := NewBuilder(nil).Build().(*client)
		assert.NotNil(t, c.logger)
	})
}

func TestSuccessOnFirstAttempt(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Status: nethttp.StatusOK, Body: offersBody})

	c, rec := build(t, newFastBuilder(api.URL()))

	resp, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.JSONEq(t, offersBody, string(resp.Body))
	assert.Equal(t, map[string]any{
		"offers": []any{map[string]any{"id": "o1", "kwh": 12.5, "seller": map[string]any{"id": "u7"}}},
	}, resp.Data)
	assert.Equal(t, 1, resp.Stats.Attempts)
	assert.Equal(t, int64(1), resp.Stats.CallCount)
	assert.Equal(t, 1, api.Count(nethttp.MethodGet, wtesting.TestPathOffers))
	assert.Empty(t, rec.Delays())
}

func TestEmptySuccessBody(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodDelete, wtesting.TestPathTrades, fakeapi.Step{Status: nethttp.StatusNoContent})

	c, _ := build(t, newFastBuilder(api.URL()))

	resp, err := c.Delete(context.Background(), wtesting.TestPathTrades, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusNoContent, resp.StatusCode)
	assert.Nil(t, resp.Data)
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers,
		fakeapi.Step{Status: nethttp.StatusInternalServerError, Body: `{"message":"db down"}`},
		fakeapi.Step{Status: nethttp.StatusInternalServerError},
		fakeapi.Step{Status: nethttp.StatusOK, Body: offersBody},
	)

	c, rec := build(t, newFastBuilder(api.URL()))

	start := time.Now()
	resp, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.JSONEq(t, offersBody, string(resp.Body))
	assert.Equal(t, 3, resp.Stats.Attempts)
	assert.Equal(t, 3, api.Count(nethttp.MethodGet, wtesting.TestPathOffers))
	assert.Equal(t, []time.Duration{wtesting.TestBaseDelay, 2 * wtesting.TestBaseDelay}, rec.Delays())
	assert.GreaterOrEqual(t, elapsed, 3*wtesting.TestBaseDelay)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{
		Status: nethttp.StatusNotFound,
		Body:   `{"message":"offer not found","code":"OFFER_NOT_FOUND"}`,
	})

	c, rec := build(t, newFastBuilder(api.URL()))

	resp, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	assert.Nil(t, resp)

	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindClientError, apiErr.Kind)
	assert.Equal(t, "offer not found", apiErr.Message)
	assert.Equal(t, "OFFER_NOT_FOUND", apiErr.Code)
	assert.Equal(t, nethttp.StatusNotFound, apiErr.Status)
	assert.Equal(t, 1, apiErr.Attempts)
	assert.ErrorIs(t, err, ErrClientError)
	assert.True(t, IsStatus(err, nethttp.StatusNotFound))

	assert.Equal(t, 1, api.Count(nethttp.MethodGet, wtesting.TestPathOffers))
	assert.Empty(t, rec.Delays())
}

func TestErrorMessageFallback(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodPost, wtesting.TestPathTrades, fakeapi.Step{Status: nethttp.StatusBadRequest, Body: "plain text"})

	c, _ := build(t, newFastBuilder(api.URL()))

	_, err := c.Post(context.Background(), wtesting.TestPathTrades, map[string]any{"kwh": 5}, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, "HTTP request failed with status 400", apiErr.Message)
	assert.Empty(t, apiErr.Code)
	assert.Equal(t, []byte("plain text"), apiErr.Body)
}

func TestEveryAttemptTimesOut(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Delay: 5 * time.Second})

	c, rec := build(t, NewBuilder(createTestLogger()).
		WithBaseURL(api.URL()).
		WithTimeout(wtesting.TestAttemptTimeout).
		WithRetries(3, time.Millisecond))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)

	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindTimeout, apiErr.Kind)
	assert.Equal(t, 4, apiErr.Attempts)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, rec.Delays(), 3)

	assert.Eventually(t, func() bool {
		return api.Count(nethttp.MethodGet, wtesting.TestPathOffers) == 4
	}, wtesting.TestEventuallyTimeout, wtesting.TestEventuallyTick)
}

func TestDevServerManifestIsTerminal(t *testing.T) {
	for _, status := range []int{nethttp.StatusOK, nethttp.StatusNotFound, nethttp.StatusInternalServerError} {
		t.Run(nethttp.StatusText(status), func(t *testing.T) {
			api := fakeapi.New(t)
			api.Script(nethttp.MethodGet, wtesting.TestPathWallet, fakeapi.Step{Status: status, Body: testutil.TestDevManifest})

			c, rec := build(t, newFastBuilder(api.URL()))

			_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
			apiErr := requireAPIError(t, err)
			assert.Equal(t, KindProtocolMismatch, apiErr.Kind)
			assert.Equal(t, status, apiErr.Status)
			assert.Equal(t, 1, apiErr.Attempts)
			assert.ErrorIs(t, err, ErrProtocolMismatch)
			assert.Equal(t, 1, api.Count(nethttp.MethodGet, wtesting.TestPathWallet))
			assert.Empty(t, rec.Delays())
		})
	}
}

func TestManifestCheckCanBeDisabled(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathWallet, fakeapi.Step{Body: testutil.TestDevManifest})

	c, _ := build(t, newFastBuilder(api.URL()).WithManifestCheck(false))

	resp, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", resp.Data.(map[string]any)["runtimeVersion"])
}

func TestConcurrentCallsAreIndependent(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Body: offersBody})

	c, _ := build(t, newFastBuilder(api.URL()))

	const calls = 8
	responses := make([]*Response, calls)
	var g errgroup.Group
	for i := range calls {
		g.Go(func() error {
			resp, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
			responses[i] = resp
			return err
		})
	}
	require.NoError(t, g.Wait())

	counts := make(map[int64]bool)
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, 1, resp.Stats.Attempts)
		assert.JSONEq(t, offersBody, string(resp.Body))
		counts[resp.Stats.CallCount] = true
	}
	assert.Len(t, counts, calls)

	ids := make(map[string]bool)
	for _, r := range api.Requests() {
		ids[r.Header.Get(reqtrace.HeaderXRequestID)] = true
	}
	assert.Len(t, ids, calls, "each logical call carries its own request ID")
	assert.Equal(t, calls, api.Count(nethttp.MethodGet, wtesting.TestPathOffers))
}

func TestCredentialIsResolvedPerAttempt(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathWallet,
		fakeapi.Step{Status: nethttp.StatusServiceUnavailable},
		fakeapi.Step{Body: `{"balance":42}`},
	)

	provider := (&mocks.MockSessionProvider{}).ExpectCredentials(wtesting.TestTokenA, wtesting.TestTokenB)
	c, _ := build(t, newFastBuilder(api.URL()).WithSessionProvider(provider))

	_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
	require.NoError(t, err)

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer "+wtesting.TestTokenA, reqs[0].Header.Get(testAuthHdr))
	assert.Equal(t, "Bearer "+wtesting.TestTokenB, reqs[1].Header.Get(testAuthHdr))
	provider.AssertNumberOfCalls(t, "CurrentCredential", 2)
}

func TestCredentialFailureSendsWithoutAuthorization(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Body: offersBody})

	provider := &mocks.MockSessionProvider{}
	provider.On("CurrentCredential", mock.Anything).Return(nil, errors.New(testutil.TestError))

	c, _ := build(t, newFastBuilder(api.URL()).WithSessionProvider(provider))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	require.NoError(t, err)

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Header.Get(testAuthHdr))
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathWallet, fakeapi.Step{
		Status: nethttp.StatusUnauthorized,
		Body:   `{"message":"token expired","code":"AUTH_EXPIRED"}`,
	})

	provider := (&mocks.MockSessionProvider{}).ExpectCredentials(wtesting.TestTokenA)
	provider.On("Invalidate").Return().Once()

	c, rec := build(t, newFastBuilder(api.URL()).WithSessionProvider(provider))

	_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindClientError, apiErr.Kind)
	assert.Equal(t, "AUTH_EXPIRED", apiErr.Code)
	assert.Empty(t, rec.Delays())
	provider.AssertExpectations(t)
}

func TestUnauthorizedKeepsSessionWhenAuthorizationWasSupplied(t *testing.T) {
	tests := []struct {
		name     string
		defaults map[string]string
		headers  map[string]string
	}{
		{name: "caller header", headers: map[string]string{testAuthHdr: "Bearer caller"}},
		{name: "default header", defaults: map[string]string{testAuthHdr: "Bearer service"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := fakeapi.New(t)
			api.Script(nethttp.MethodGet, wtesting.TestPathWallet, fakeapi.Step{Status: nethttp.StatusUnauthorized})

			provider := (&mocks.MockSessionProvider{}).ExpectCredentials(wtesting.TestTokenA)
			b := newFastBuilder(api.URL()).WithSessionProvider(provider)
			for k, v := range tt.defaults {
				b.WithDefaultHeader(k, v)
			}
			c, _ := build(t, b)

			_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, tt.headers)
			assert.True(t, IsKind(err, KindClientError))
			assert.True(t, IsStatus(err, nethttp.StatusUnauthorized))
			provider.AssertNotCalled(t, "Invalidate")
		})
	}
}

func TestUnauthorizedWithoutCredentialKeepsSession(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathWallet, fakeapi.Step{Status: nethttp.StatusUnauthorized})

	provider := &mocks.MockSessionProvider{}
	provider.On("CurrentCredential", mock.Anything).Return(nil, nil)

	c, _ := build(t, newFastBuilder(api.URL()).WithSessionProvider(provider))

	_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
	assert.True(t, IsStatus(err, nethttp.StatusUnauthorized))
	provider.AssertNotCalled(t, "Invalidate")
}

func TestRefreshingProviderRecoversAfterUnauthorized(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathWallet,
		fakeapi.Step{Status: nethttp.StatusUnauthorized},
		fakeapi.Step{Body: `{"balance":42}`},
	)

	var mu sync.Mutex
	tokens := []string{wtesting.TestTokenA, wtesting.TestTokenB}
	provider := session.NewRefreshing(func(context.Context) (*session.Credential, error) {
		mu.Lock()
		defer mu.Unlock()
		token := tokens[0]
		tokens = tokens[1:]
		return &session.Credential{Token: token, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	c, _ := build(t, newFastBuilder(api.URL()).WithSessionProvider(provider))

	_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
	assert.True(t, IsKind(err, KindClientError))

	_, err = c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
	require.NoError(t, err)

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer "+wtesting.TestTokenB, reqs[1].Header.Get(testAuthHdr))
}

func TestRateLimitedHonorsRetryAfter(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodPost, wtesting.TestPathTrades,
		fakeapi.Step{Status: nethttp.StatusTooManyRequests, Headers: map[string]string{"Retry-After": "1"}},
		fakeapi.Step{Status: nethttp.StatusCreated, Body: `{"id":"t1"}`},
	)

	maxDelay := 3 * wtesting.TestBaseDelay
	c, rec := build(t, newFastBuilder(api.URL()).WithMaxDelay(maxDelay))

	resp, err := c.Post(context.Background(), wtesting.TestPathTrades, map[string]any{"kwh": 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	assert.Equal(t, []time.Duration{maxDelay}, rec.Delays())
}

func TestRateLimitedExhaustsRetries(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Status: nethttp.StatusTooManyRequests})

	c, rec := build(t, newFastBuilder(api.URL()).WithRetries(2, time.Millisecond))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindRateLimited, apiErr.Kind)
	assert.Equal(t, 3, apiErr.Attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, rec.Delays())
	assert.Equal(t, 3, api.Count(nethttp.MethodGet, wtesting.TestPathOffers))
}

func TestLastAttemptKindIsReturned(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers,
		fakeapi.Step{Status: nethttp.StatusTooManyRequests},
		fakeapi.Step{Status: nethttp.StatusBadGateway},
	)

	c, _ := build(t, newFastBuilder(api.URL()).WithRetries(1, time.Millisecond))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindServerError, apiErr.Kind)
	assert.Equal(t, nethttp.StatusBadGateway, apiErr.Status)
}

func TestConnectionRefusedIsNetworkUnreachable(t *testing.T) {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: unable to bind IPv4 listener: %v", err)
	}
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	c, rec := build(t, newFastBuilder("http://"+addr).WithRetries(3, time.Millisecond))

	_, err = c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindNetworkUnreachable, apiErr.Kind)
	assert.Equal(t, 4, apiErr.Attempts)
	assert.Zero(t, apiErr.Status)
	assert.Len(t, rec.Delays(), 3)
}

func TestDroppedConnectionIsNetworkUnreachable(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers,
		fakeapi.Step{Drop: true},
		fakeapi.Step{Body: offersBody},
	)

	c, rec := build(t, newFastBuilder(api.URL()).
		WithRetries(3, time.Millisecond).
		WithTransport(&nethttp.Transport{DisableKeepAlives: true}))

	resp, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Stats.Attempts)
	assert.Len(t, rec.Delays(), 1)
}

func TestUnclassifiedFailureIsNotRetried(t *testing.T) {
	boom := errors.New(testutil.TestError)
	var calls int
	transport := roundTripperFunc(func(*nethttp.Request) (*nethttp.Response, error) {
		calls++
		return nil, boom
	})

	c, rec := build(t, newFastBuilder(testutil.TestBaseURL).WithTransport(transport))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindUnknown, apiErr.Kind)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.Delays())
}

func TestInvalidJSONOnSuccessIsUnknown(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Body: "<html>oops</html>"})

	c, _ := build(t, newFastBuilder(api.URL()))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindUnknown, apiErr.Kind)
	assert.Equal(t, nethttp.StatusOK, apiErr.Status)
	assert.Equal(t, 1, api.Count(nethttp.MethodGet, wtesting.TestPathOffers))
}

func TestRequestValidation(t *testing.T) {
	var calls int
	transport := roundTripperFunc(func(*nethttp.Request) (*nethttp.Response, error) {
		calls++
		return nil, errors.New("must not be called")
	})

	tests := []struct {
		name    string
		baseURL string
		req     *Request
	}{
		{name: "nil request", baseURL: testutil.TestBaseURL, req: nil},
		{name: "empty path", baseURL: testutil.TestBaseURL, req: &Request{Method: nethttp.MethodGet, Path: "  "}},
		{name: "unsupported method", baseURL: testutil.TestBaseURL, req: &Request{Method: nethttp.MethodPatch, Path: "/x"}},
		{name: "body not serializable", baseURL: testutil.TestBaseURL, req: &Request{Method: nethttp.MethodPost, Path: "/x", Body: make(chan int)}},
		{name: "relative path without base URL", baseURL: "", req: &Request{Method: nethttp.MethodGet, Path: "/x"}},
		{name: "base URL without host", baseURL: "api", req: &Request{Method: nethttp.MethodGet, Path: "/x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := build(t, NewBuilder(createTestLogger()).WithBaseURL(tt.baseURL).WithTransport(transport))

			resp, err := c.Do(context.Background(), tt.req)
			assert.Nil(t, resp)
			apiErr := requireAPIError(t, err)
			assert.Equal(t, KindClientError, apiErr.Kind)
			assert.Zero(t, apiErr.Attempts)
		})
	}
	assert.Zero(t, calls)
}

func TestAbsolutePathBypassesBaseURL(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Body: offersBody})

	c, _ := build(t, newFastBuilder(testutil.TestBaseURL))

	_, err := c.Get(context.Background(), api.URL()+wtesting.TestPathOffers, nil, nil)
	require.NoError(t, err)
}

func TestHeaderPrecedence(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodPut, wtesting.TestPathWallet, fakeapi.Step{Body: `{}`})

	c, _ := build(t, newFastBuilder(api.URL()).
		WithSessionProvider(session.Static(wtesting.TestTokenA)).
		WithDefaultHeader("X-Client", "wattctl").
		WithDefaultHeader("X-Platform", "ios"))

	_, err := c.Put(context.Background(), wtesting.TestPathWallet, map[string]any{"currency": "EUR"}, map[string]string{
		"X-Client": "override",
		"X-Custom": "1",
	})
	require.NoError(t, err)

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	h := reqs[0].Header
	assert.Equal(t, testJSONType, h.Get(testContentTypeHdr))
	assert.Equal(t, testJSONType, h.Get("Accept"))
	assert.Equal(t, "Bearer "+wtesting.TestTokenA, h.Get(testAuthHdr))
	assert.Equal(t, "override", h.Get("X-Client"))
	assert.Equal(t, "ios", h.Get("X-Platform"))
	assert.Equal(t, "1", h.Get("X-Custom"))
	assert.NotEmpty(t, h.Get(reqtrace.HeaderXRequestID))
	assert.JSONEq(t, `{"currency":"EUR"}`, string(reqs[0].Body))
}

func TestCallerAuthorizationWins(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathWallet, fakeapi.Step{Body: `{}`})

	c, _ := build(t, newFastBuilder(api.URL()).WithSessionProvider(session.Static(wtesting.TestTokenA)))

	_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, map[string]string{testAuthHdr: "Bearer caller"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer caller", api.Requests()[0].Header.Get(testAuthHdr))
}

func TestRequestIDIsStableAcrossRetries(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers,
		fakeapi.Step{Status: nethttp.StatusInternalServerError},
		fakeapi.Step{Body: offersBody},
	)

	c, _ := build(t, newFastBuilder(api.URL()))

	ctx := reqtrace.WithTraceID(context.Background(), "trace-123")
	_, err := c.Get(ctx, wtesting.TestPathOffers, nil, nil)
	require.NoError(t, err)

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "trace-123", reqs[0].Header.Get(reqtrace.HeaderXRequestID))
	assert.Equal(t, "trace-123", reqs[1].Header.Get(reqtrace.HeaderXRequestID))
}

func TestCustomTraceIDHeader(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Body: offersBody})

	c, _ := build(t, newFastBuilder(api.URL()).WithTraceIDHeader("X-Correlation-ID"))

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, map[string]string{"X-Correlation-ID": "caller-id"})
	require.NoError(t, err)

	h := api.Requests()[0].Header
	assert.Equal(t, "caller-id", h.Get("X-Correlation-ID"))
	assert.Empty(t, h.Get(reqtrace.HeaderXRequestID))
}

func TestCallerCancellationDuringBackoff(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Status: nethttp.StatusInternalServerError})

	c, _ := build(t, NewBuilder(createTestLogger()).WithBaseURL(api.URL()).WithRetries(3, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Get(ctx, wtesting.TestPathOffers, nil, nil)
	assert.Less(t, time.Since(start), 5*time.Second)

	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindUnknown, apiErr.Kind)
	assert.Equal(t, 1, apiErr.Attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, api.Count(nethttp.MethodGet, wtesting.TestPathOffers))
}

func TestCallerDeadlineIsNotRetried(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Delay: 5 * time.Second})

	c, rec := build(t, newFastBuilder(api.URL()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, wtesting.TestPathOffers, nil, nil)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, KindTimeout, apiErr.Kind)
	assert.Equal(t, 1, apiErr.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.Delays())
}

func TestAlreadyCancelledContext(t *testing.T) {
	var calls int
	transport := roundTripperFunc(func(*nethttp.Request) (*nethttp.Response, error) {
		calls++
		return nil, errors.New("must not be called")
	})
	c, _ := build(t, newFastBuilder(testutil.TestBaseURL).WithTransport(transport))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, wtesting.TestPathOffers, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestClientSideRateLimit(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Body: offersBody})

	c, _ := build(t, newFastBuilder(api.URL()).WithRateLimit(20, 1))

	start := time.Now()
	for range 3 {
		_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLogsNeverContainToken(t *testing.T) {
	const secret = "super-secret-token-value"

	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathWallet,
		fakeapi.Step{Status: nethttp.StatusInternalServerError},
		fakeapi.Step{Body: `{"balance":1}`},
	)

	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, wtesting.TestLoggerLevelDebug, false)
	c, _ := build(t, NewBuilder(log).
		WithBaseURL(api.URL()).
		WithRetries(1, time.Millisecond).
		WithSessionProvider(session.Static(secret)))

	_, err := c.Get(context.Background(), wtesting.TestPathWallet, nil, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "API request")
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, "API response")
	assert.NotContains(t, out, secret)
}

func TestDecodeInto(t *testing.T) {
	type offer struct {
		ID  string  `json:"id"`
		KWh float64 `json:"kwh"`
	}
	type offers struct {
		Offers []offer `json:"offers"`
	}

	out, err := DecodeInto[offers](&Response{Body: []byte(offersBody)})
	require.NoError(t, err)
	assert.Equal(t, offers{Offers: []offer{{ID: "o1", KWh: 12.5}}}, out)

	_, err = DecodeInto[offers](&Response{Body: []byte("nope")})
	assert.True(t, IsKind(err, KindUnknown))

	_, err = DecodeInto[offers](nil)
	assert.Error(t, err)
}

func TestDecodeIntoEmptyBody(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodDelete, wtesting.TestPathTrades, fakeapi.Step{Status: nethttp.StatusNoContent})

	c, _ := build(t, newFastBuilder(api.URL()))

	resp, err := c.Delete(context.Background(), wtesting.TestPathTrades, nil, nil)
	require.NoError(t, err)

	type trade struct {
		ID string `json:"id"`
	}
	out, err := DecodeInto[trade](resp)
	require.NoError(t, err)
	assert.Equal(t, trade{}, out)

	ptr, err := DecodeInto[*trade](&Response{Body: []byte(" \n")})
	require.NoError(t, err)
	assert.Nil(t, ptr)
}

func TestNewFromConfig(t *testing.T) {
	api := fakeapi.New(t)
	api.Script(nethttp.MethodGet, wtesting.TestPathOffers, fakeapi.Step{Body: offersBody})

	cfg := &config.APIConfig{
		BaseURL: api.URL(),
		Timeout: time.Second,
		Retry: config.RetryConfig{
			Max:      2,
			Delay:    wtesting.TestBaseDelay,
			MaxDelay: time.Second,
		},
		RateLimit:     config.RateLimitConfig{RPS: 100, Burst: 10},
		ManifestCheck: true,
	}

	c := NewFromConfig(cfg, createTestLogger(), session.Static(wtesting.TestTokenA))
	impl := c.(*client)
	assert.Equal(t, 2, impl.config.MaxAttempts)
	assert.Equal(t, time.Second, impl.config.Timeout)
	assert.NotNil(t, impl.limiter)

	_, err := c.Get(context.Background(), wtesting.TestPathOffers, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+wtesting.TestTokenA, api.Requests()[0].Header.Get(testAuthHdr))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "attempt deadline", err: &url.Error{Op: "Get", URL: testutil.TestBaseURL, Err: context.DeadlineExceeded}, kind: KindTimeout},
		{name: "net timeout", err: timeoutError{}, kind: KindTimeout},
		{name: "dial refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New(testutil.TestConnectionRefused)}, kind: KindNetworkUnreachable},
		{name: "dns failure", err: &net.DNSError{Err: "no such host", Name: "api.wattswap.test", IsNotFound: true}, kind: KindNetworkUnreachable},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), kind: KindNetworkUnreachable},
		{name: "eof", err: &url.Error{Op: "Get", URL: testutil.TestBaseURL, Err: io.EOF}, kind: KindNetworkUnreachable},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, kind: KindNetworkUnreachable},
		{name: "anything else", err: errors.New(testutil.TestError), kind: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := classifyTransportError(context.Background(), tt.err)
			assert.Equal(t, tt.kind, apiErr.Kind)
			assert.False(t, apiErr.final)
			assert.ErrorIs(t, apiErr, tt.err)
		})
	}

	t.Run("caller context wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		apiErr := classifyTransportError(ctx, errors.New(testutil.TestError))
		assert.Equal(t, KindUnknown, apiErr.Kind)
		assert.True(t, apiErr.final)
		assert.ErrorIs(t, apiErr, context.Canceled)
	})
}
