// Package apiclient is the request client used to reach the WattSwap backend API.
//
// Every logical call (Get, Post, Put, Delete or Do) may be realized as several
// network attempts. Before each attempt the client resolves a fresh bearer
// credential from its session.Provider, so a token refreshed between retries is
// picked up. Each attempt runs under its own timeout.
//
// Retries
//   - Timeouts, network failures, HTTP 429 and HTTP 5xx are retried.
//   - Other 4xx responses, dev-server manifests and unclassified failures are terminal.
//   - At most maxAttempts retries are made, so a call performs maxAttempts+1 attempts.
//
// Backoff Strategy
//   - delay = baseDelay * 2^attempt (1, 2, 4 x baseDelay with the defaults).
//   - Capped at the max delay (30s by default). Full jitter is opt-in.
//   - A Retry-After header on 429/503 lengthens the wait up to the cap.
//
// Errors
//   - Every failure is an *APIError whose Kind reflects the last attempt.
//   - errors.Is(err, ErrTimeout) and friends match on Kind.
//
// Cancellation
//   - Cancelling the caller's context stops the call immediately, including
//     during a backoff wait. The result has KindUnknown wrapping context.Canceled,
//     or KindTimeout wrapping context.DeadlineExceeded when the caller's deadline passed.
package apiclient
