// Package session resolves the bearer credential attached to outgoing API calls.
//
// The request client asks its Provider for the current credential before every
// attempt, including retries, so a provider that refreshes tokens is picked up
// mid-call. A provider returning (nil, nil) means "no credential"; the client
// then sends the request without an Authorization header.
package session

import (
	"context"
	"time"
)

// Credential is an opaque bearer token with an optional expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// AuthorizationHeader returns the value for the Authorization header.
func (c *Credential) AuthorizationHeader() string {
	return "Bearer " + c.Token
}

// Expired reports whether the credential expires within skew of now.
// A zero ExpiresAt never expires.
func (c *Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Provider supplies the current credential. Implementations may block on I/O
// and must be safe for concurrent use.
type Provider interface {
	CurrentCredential(ctx context.Context) (*Credential, error)
}

// Invalidator is implemented by providers that can drop a cached credential,
// for example after the backend rejected it with 401.
type Invalidator interface {
	Invalidate()
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (*Credential, error)

// CurrentCredential calls f.
func (f ProviderFunc) CurrentCredential(ctx context.Context) (*Credential, error) {
	return f(ctx)
}

type staticProvider struct {
	cred *Credential
}

// Static returns a provider that always yields the same token.
// An empty token yields no credential.
func Static(token string) Provider {
	if token == "" {
		return None()
	}
	return &staticProvider{cred: &Credential{Token: token}}
}

func (p *staticProvider) CurrentCredential(_ context.Context) (*Credential, error) {
	c := *p.cred
	return &c, nil
}

// None returns a provider for public endpoints; it never yields a credential.
func None() Provider {
	return ProviderFunc(func(context.Context) (*Credential, error) { return nil, nil })
}
