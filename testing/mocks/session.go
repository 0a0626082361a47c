// Package mocks provides testify-based mocks of wattswap-go interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/wattswap/wattswap-go/session"
)

// MockSessionProvider is a testify mock of session.Provider that also
// implements session.Invalidator.
//
// Example usage:
//
//	provider := &mocks.MockSessionProvider{}
//	provider.On("CurrentCredential", mock.Anything).Return(&session.Credential{Token: "a"}, nil).Once()
//	provider.On("CurrentCredential", mock.Anything).Return(&session.Credential{Token: "b"}, nil)
type MockSessionProvider struct {
	mock.Mock
}

// CurrentCredential implements session.Provider
func (m *MockSessionProvider) CurrentCredential(ctx context.Context) (*session.Credential, error) {
	arguments := m.Called(ctx)
	var cred *session.Credential
	if c := arguments.Get(0); c != nil {
		cred = c.(*session.Credential)
	}
	return cred, arguments.Error(1)
}

// Invalidate implements session.Invalidator
func (m *MockSessionProvider) Invalidate() {
	m.Called()
}

// ExpectCredentials queues tokens to be returned in order; the last token repeats.
func (m *MockSessionProvider) ExpectCredentials(tokens ...string) *MockSessionProvider {
	for i, token := range tokens {
		call := m.On("CurrentCredential", mock.Anything).Return(&session.Credential{Token: token}, nil)
		if i < len(tokens)-1 {
			call.Once()
		}
	}
	return m
}
