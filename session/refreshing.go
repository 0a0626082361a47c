package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshSkew refreshes a credential this long before it expires.
	DefaultRefreshSkew = 30 * time.Second

	// DefaultRefreshTimeout bounds a single RefreshFunc call.
	DefaultRefreshTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// ErrNoCredential is returned when a refresh succeeds but yields no token.
var ErrNoCredential = errors.New("session: refresh returned no credential")

// RefreshFunc obtains a new credential, typically by exchanging a refresh token.
type RefreshFunc func(ctx context.Context) (*Credential, error)

// RefreshingProvider caches a credential and refreshes it when it is about to
// expire. Concurrent callers that need a refresh share a single RefreshFunc call.
type RefreshingProvider struct {
	refresh RefreshFunc
	skew    time.Duration
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	cached *Credential
	sfg    singleflight.Group
}

var (
	_ Provider    = (*RefreshingProvider)(nil)
	_ Invalidator = (*RefreshingProvider)(nil)
)

// RefreshingOption configures a RefreshingProvider.
type RefreshingOption func(*RefreshingProvider)

// WithRefreshSkew sets how early a credential is considered expired.
func WithRefreshSkew(skew time.Duration) RefreshingOption {
	return func(p *RefreshingProvider) {
		if skew >= 0 {
			p.skew = skew
		}
	}
}

// WithRefreshTimeout bounds each refresh. A refresh is shared by every caller
// waiting on it, so it does not follow any single caller's cancellation.
func WithRefreshTimeout(timeout time.Duration) RefreshingOption {
	return func(p *RefreshingProvider) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithInitialCredential seeds the cache, e.g. with a token restored from storage.
func WithInitialCredential(c *Credential) RefreshingOption {
	return func(p *RefreshingProvider) {
		p.cached = c
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RefreshingOption {
	return func(p *RefreshingProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewRefreshing creates a provider backed by refresh.
func NewRefreshing(refresh RefreshFunc, opts ...RefreshingOption) *RefreshingProvider {
	p := &RefreshingProvider{
		refresh: refresh,
		skew:    DefaultRefreshSkew,
		timeout: DefaultRefreshTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CurrentCredential returns the cached credential while it is fresh and
// refreshes it otherwise.
func (p *RefreshingProvider) CurrentCredential(ctx context.Context) (*Credential, error) {
	if c := p.fresh(); c != nil {
		return c, nil
	}

	// The refresh outlives the caller that started it; each caller only
	// stops waiting when its own context ends.
	refreshCtx := context.WithoutCancel(ctx)
	ch := p.sfg.DoChan(refreshKey, func() (any, error) {
		if c := p.fresh(); c != nil {
			return c, nil
		}
		rctx, cancel := context.WithTimeout(refreshCtx, p.timeout)
		defer cancel()

		c, err := p.refresh(rctx)
		if err != nil {
			return nil, err
		}
		if c == nil || c.Token == "" {
			return nil, ErrNoCredential
		}
		p.mu.Lock()
		p.cached = c
		p.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c := *res.Val.(*Credential)
		return &c, nil
	}
}

// Invalidate drops the cached credential so the next call refreshes.
func (p *RefreshingProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *RefreshingProvider) fresh() *Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil || p.cached.Expired(p.now(), p.skew) {
		return nil
	}
	c := *p.cached
	return &c
}
