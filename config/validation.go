package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var structValidator = newStructValidator()

// newStructValidator reports field paths using koanf keys so messages match
// what users write in config.yaml.
func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks cfg and returns a *ConfigError describing the first invalid field.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return fieldError(validationErrors[0])
		}
		return err
	}

	if cfg.Observability.Enabled {
		if err := cfg.Observability.Validate(); err != nil {
			return NewValidationError("observability", err.Error())
		}
	}

	return nil
}

func fieldError(fe validator.FieldError) *ConfigError {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	envVar := EnvPrefix + strings.ToUpper(strings.ReplaceAll(field, ".", "_"))

	switch fe.Tag() {
	case "required":
		return NewMissingFieldError(field, envVar, field)
	case "oneof":
		return NewInvalidFieldError(field, fmt.Sprintf("invalid value %q", fmt.Sprint(fe.Value())), strings.Fields(fe.Param()))
	case "url":
		return NewInvalidFieldError(field, fmt.Sprintf("must be an absolute URL, got %q", fmt.Sprint(fe.Value())), nil)
	default:
		return NewValidationError(field, fmt.Sprintf("failed %s=%s (value: %v)", fe.Tag(), fe.Param(), fe.Value()))
	}
}
