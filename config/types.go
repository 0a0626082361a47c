package config

import (
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/wattswap/wattswap-go/observability"
)

// Config is the complete client configuration.
type Config struct {
	App           AppConfig            `koanf:"app" json:"app" yaml:"app"`
	API           APIConfig            `koanf:"api" json:"api" yaml:"api"`
	Session       SessionConfig        `koanf:"session" json:"session" yaml:"session"`
	Log           LogConfig            `koanf:"log" json:"log" yaml:"log"`
	Observability observability.Config `koanf:"observability" json:"observability" yaml:"observability"`

	k *koanf.Koanf `json:"-" yaml:"-"`
}

// AppConfig holds application identity settings.
type AppConfig struct {
	Name    string `koanf:"name" json:"name" yaml:"name" validate:"required"`
	Version string `koanf:"version" json:"version" yaml:"version" validate:"required"`
	Env     string `koanf:"env" json:"env" yaml:"env" validate:"oneof=development staging production"`
}

// APIConfig configures the request client.
type APIConfig struct {
	// BaseURL is the root of the backend API, e.g. https://api.wattswap.io/v1.
	BaseURL string `koanf:"baseurl" json:"baseurl" yaml:"baseurl" validate:"required,url"`
	// Timeout bounds each network attempt.
	Timeout   time.Duration   `koanf:"timeout" json:"timeout" yaml:"timeout" validate:"gt=0"`
	Retry     RetryConfig     `koanf:"retry" json:"retry" yaml:"retry"`
	RateLimit RateLimitConfig `koanf:"ratelimit" json:"ratelimit" yaml:"ratelimit"`
	// ManifestCheck enables detection of dev-server manifests returned by a misrouted proxy.
	ManifestCheck bool `koanf:"manifestcheck" json:"manifestcheck" yaml:"manifestcheck"`
}

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	Max      int           `koanf:"max" json:"max" yaml:"max" validate:"gte=0,lte=10"`
	Delay    time.Duration `koanf:"delay" json:"delay" yaml:"delay" validate:"gt=0"`
	MaxDelay time.Duration `koanf:"maxdelay" json:"maxdelay" yaml:"maxdelay" validate:"gtefield=Delay"`
	Jitter   bool          `koanf:"jitter" json:"jitter" yaml:"jitter"`
}

// RateLimitConfig configures the optional client-side limiter. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps" json:"rps" yaml:"rps" validate:"gte=0"`
	Burst int     `koanf:"burst" json:"burst" yaml:"burst" validate:"gte=0"`
}

// SessionConfig configures credential resolution for tools that use a static token.
type SessionConfig struct {
	Token string `koanf:"token" json:"-" yaml:"token"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty"`
}

// String returns the raw value of key, including keys not mapped onto Config.
func (c *Config) String(key string) string {
	if c.k == nil {
		return ""
	}
	return c.k.String(key)
}
