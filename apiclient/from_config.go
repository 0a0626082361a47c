package apiclient

import (
	"github.com/wattswap/wattswap-go/config"
	"github.com/wattswap/wattswap-go/logger"
	"github.com/wattswap/wattswap-go/session"
)

// NewFromConfig builds a client from the "api" configuration section.
// provider may be nil for public endpoints.
func NewFromConfig(cfg *config.APIConfig, log logger.Logger, provider session.Provider) Client {
	return NewBuilder(log).
		WithBaseURL(cfg.BaseURL).
		WithTimeout(cfg.Timeout).
		WithRetries(cfg.Retry.Max, cfg.Retry.Delay).
		WithMaxDelay(cfg.Retry.MaxDelay).
		WithJitter(cfg.Retry.Jitter).
		WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst).
		WithManifestCheck(cfg.ManifestCheck).
		WithSessionProvider(provider).
		Build()
}
