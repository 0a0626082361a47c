package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment variables before they are mapped
	// onto configuration keys: WATTSWAP_API_BASEURL -> api.baseurl.
	EnvPrefix = "WATTSWAP_"

	// DefaultFile is the configuration file Load looks for in the working directory.
	DefaultFile = "config.yaml"
)

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. config.yaml and config.<app.env>.yaml, when present
// 3. Default values (lowest priority)
func Load() (*Config, error) {
	return load(func(k *koanf.Koanf) error {
		if err := loadOptionalFile(k, DefaultFile); err != nil {
			return err
		}
		if env := k.String("app.env"); env != "" {
			return loadOptionalFile(k, fmt.Sprintf("config.%s.yaml", env))
		}
		return nil
	})
}

// LoadFile loads defaults, then the YAML file at path (which must exist),
// then environment variables.
func LoadFile(path string) (*Config, error) {
	return load(func(k *koanf.Koanf) error {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		return nil
	})
}

// LoadBytes loads defaults, then the given YAML document, then environment variables.
func LoadBytes(data []byte) (*Config, error) {
	return load(func(k *koanf.Koanf) error {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to parse yaml: %w", err)
		}
		return nil
	})
}

func load(loadFiles func(k *koanf.Koanf) error) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := loadFiles(k); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			return strings.ReplaceAll(strings.ToLower(key), "_", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k
	if cfg.Observability.Service.Name == "" {
		cfg.Observability.Service.Name = cfg.App.Name
	}
	if cfg.Observability.Service.Version == "" {
		cfg.Observability.Service.Version = cfg.App.Version
	}
	if cfg.Observability.Environment == "" {
		cfg.Observability.Environment = cfg.App.Env
	}
	cfg.Observability.ApplyDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadOptionalFile(k *koanf.Koanf, path string) error {
	err := k.Load(file.Provider(path), yaml.Parser())
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":    "wattswap",
		"app.version": "v0.1.0",
		"app.env":     EnvDevelopment,

		"api.timeout":           "30s",
		"api.retry.max":         3,
		"api.retry.delay":       "1s",
		"api.retry.maxdelay":    "30s",
		"api.retry.jitter":      false,
		"api.ratelimit.rps":     0,
		"api.ratelimit.burst":   0,
		"api.manifestcheck":     true,
		"session.token":         "",
		"log.level":             "info",
		"log.pretty":            false,
		"observability.enabled": false,
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}
