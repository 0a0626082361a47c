package testing

import "time"

// Logger Constants
const (
	// TestLoggerLevelDebug is the debug log level used in most tests
	TestLoggerLevelDebug = "debug"
	// TestLoggerLevelError is the error log level for tests requiring minimal output
	TestLoggerLevelError = "error"
)

// Credentials
const (
	TestTokenA = "token-a"
	TestTokenB = "token-b"
)

// API paths served by fakeapi in client tests
const (
	TestPathOffers = "/v1/offers"
	TestPathTrades = "/v1/trades"
	TestPathWallet = "/v1/wallet"
)

// Time Duration Constants
const (
	// TestBaseDelay is the backoff unit used by retry tests
	TestBaseDelay = 20 * time.Millisecond
	// TestAttemptTimeout is a per-attempt timeout short enough for timeout tests
	TestAttemptTimeout = 50 * time.Millisecond
	// TestEventuallyTimeout is the timeout for require.Eventually assertions (500ms)
	TestEventuallyTimeout = 500 * time.Millisecond
	// TestEventuallyTick is the polling interval for require.Eventually (50ms)
	TestEventuallyTick = 50 * time.Millisecond
)
