// Package testutil provides shared constants for tests inside wattswap-go.
package testutil

// Test Error Messages
const (
	// TestError is a generic error message for test error scenarios.
	TestError = "test error"

	// TestConnectionRefused is the common network error message for connection failures.
	TestConnectionRefused = "connection refused"
)

// Test Host Configuration
const (
	// TestBaseURL is a syntactically valid API root that is never dialed.
	TestBaseURL = "https://api.wattswap.test/v1"
)

// Test Payloads
const (
	// TestDevManifest is the placeholder body a development bundler returns
	// when an API request is misrouted to it.
	TestDevManifest = `{"id":"b1c2","runtimeVersion":"1.0.0","launchAsset":{"url":"http://localhost:8081/index.bundle"},"assets":[]}`
)
