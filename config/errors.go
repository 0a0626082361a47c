package config

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories
const (
	CategoryMissing = "missing"
	CategoryInvalid = "invalid"
)

// ConfigError describes an invalid configuration value and how to fix it.
//
//nolint:revive // ConfigError is intentionally named for clarity in external API usage
type ConfigError struct {
	Category string // CategoryMissing or CategoryInvalid
	Field    string // koanf key path, e.g. "api.baseurl"
	Message  string
	Action   string
}

// Error formats as "config_<category>: <field> <message> <action>".
func (e *ConfigError) Error() string {
	parts := make([]string, 0, 4)
	if e.Category != "" {
		parts = append(parts, fmt.Sprintf("config_%s:", e.Category))
	}
	for _, p := range []string{e.Field, e.Message, e.Action} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// NewMissingFieldError creates an error for a required missing configuration field.
func NewMissingFieldError(field, envVar, yamlPath string) *ConfigError {
	return &ConfigError{
		Category: CategoryMissing,
		Field:    field,
		Message:  "required",
		Action:   fmt.Sprintf("set %s env var or add %s to config.yaml", envVar, yamlPath),
	}
}

// NewInvalidFieldError creates an error for an invalid configuration value.
func NewInvalidFieldError(field, message string, validOptions []string) *ConfigError {
	err := &ConfigError{
		Category: CategoryInvalid,
		Field:    field,
		Message:  message,
	}
	if len(validOptions) > 0 {
		err.Action = fmt.Sprintf("must be one of: %s", strings.Join(validOptions, ", "))
	}
	return err
}

// NewValidationError creates a general validation error with custom message.
func NewValidationError(field, message string) *ConfigError {
	return &ConfigError{
		Category: CategoryInvalid,
		Field:    field,
		Message:  message,
	}
}

// FieldOf returns the offending field of a *ConfigError anywhere in err's chain.
func FieldOf(err error) (string, bool) {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Field, true
	}
	return "", false
}
