// Package config provides configuration management for hag.
// Process-level settings come from HAG_* environment variables; the
// declarative HVAC policy is loaded from a YAML file.
package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

// Settings holds process-level configuration loaded from the environment.
type Settings struct {
	// Path to the YAML policy file. When empty, a default search path is used.
	ConfigFile string `env:"HAG_CONFIG_FILE"`

	// Web Server Configuration
	WebPort        int    `env:"HAG_WEB_PORT,default=8080"`
	WebBindAddress string `env:"HAG_WEB_BIND_ADDRESS,default=0.0.0.0"`

	// HomeKit Configuration
	HomeKitEnabled bool   `env:"HAG_HOMEKIT_ENABLED,default=false"`
	HAPPin         string `env:"HAG_HAP_PIN,default=00102003"`
	HAPStoragePath string `env:"HAG_HAP_STORAGE_PATH,default=/var/lib/hag"`
	HAPPort        int    `env:"HAG_HAP_PORT,default=21063"`

	// Logging
	LogLevel  string `env:"HAG_LOG_LEVEL,default=info"`
	LogFormat string `env:"HAG_LOG_FORMAT,default=json"`
}

// LoadSettings reads process settings from environment variables.
func LoadSettings() (*Settings, error) {
	var s Settings

	_, err := env.UnmarshalFromEnviron(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}

	return &s, nil
}

// Validate checks that the settings are valid.
func (s *Settings) Validate() error {
	if s.WebPort < 1 || s.WebPort > 65535 {
		return &ValidationError{Field: "HAG_WEB_PORT", Reason: fmt.Sprintf("port must be between 1 and 65535, got %d", s.WebPort)}
	}
	if s.HAPPort < 1 || s.HAPPort > 65535 {
		return &ValidationError{Field: "HAG_HAP_PORT", Reason: fmt.Sprintf("port must be between 1 and 65535, got %d", s.HAPPort)}
	}
	if s.HomeKitEnabled && len(s.HAPPin) != 8 {
		return &ValidationError{Field: "HAG_HAP_PIN", Reason: fmt.Sprintf("HAP pin must be exactly 8 digits, got %d", len(s.HAPPin))}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[s.LogLevel] {
		return &ValidationError{Field: "HAG_LOG_LEVEL", Reason: fmt.Sprintf("invalid log level %q, must be one of: debug, info, warn, error", s.LogLevel)}
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[s.LogFormat] {
		return &ValidationError{Field: "HAG_LOG_FORMAT", Reason: fmt.Sprintf("invalid log format %q, must be 'json' or 'console'", s.LogFormat)}
	}

	return nil
}

// ValidationError describes a configuration value that failed validation.
// Validation errors are fatal at startup.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}
