// Package testing holds test helpers for wattswap-go.
//
// # Mocks
//
// The mocks subpackage provides testify-based mocks, such as a
// session.Provider whose credentials can be scripted per attempt.
//
// # Fake API
//
// The fakeapi subpackage runs an echo-based fake backend whose routes replay
// scripted responses, delays and dropped connections, and records every
// request it receives.
//
// # Usage
//
//	import (
//		"github.com/wattswap/wattswap-go/testing/fakeapi"
//		"github.com/wattswap/wattswap-go/testing/mocks"
//	)
package testing
