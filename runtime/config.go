package runtime

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Package-level validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	registerCustomValidators()
}

// EngineConfig holds the engine-wide defaults that ExecutionOptions can
// override per call.
type EngineConfig struct {
	MaxRetries     int           `yaml:"max_retries" default:"5" validate:"gte=0,lte=20"`
	LoopMaxIters   int           `yaml:"loop_max_iters" default:"100" validate:"gte=1"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"60s" validate:"gte=1s"`
	MaxPages       int           `yaml:"max_pages" default:"50" validate:"gte=1"`
}

// DefaultEngineConfig returns a validated config with all defaults applied.
func DefaultEngineConfig() EngineConfig {
	var cfg EngineConfig
	// Defaults on a zero struct cannot fail validation.
	_ = PrepareConfig(&cfg)
	return cfg
}

// LoadEngineConfig reads an engine config from a YAML file, applies defaults
// for unset fields, and validates the result.
func LoadEngineConfig(path string) (EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := PrepareConfig(&cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// PrepareConfig applies struct-tag defaults and validates the result.
// Backends use it on their own Config structs as well.
func PrepareConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	if err := validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation (rule: %s)",
					fieldErr.Field(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// registerCustomValidators registers engine-provided validation functions.
func registerCustomValidators() {
	// dsn validates database connection string format: either URL form
	// (postgres://...) or traditional DSN (user:pass@host/db).
	validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.Contains(s, "://") {
			_, err := url.Parse(s)
			return err == nil
		}
		return strings.Contains(s, "@") && strings.Contains(s, "/")
	})
}
