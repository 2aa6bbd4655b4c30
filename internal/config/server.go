// Package config loads keldris-recovery configuration from defaults, an
// optional YAML file and KELDRIS_ environment variables.
package config

import (
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ParseEnvironment normalizes name, falling back to development for unknown
// values.
func ParseEnvironment(name string) Environment {
	env := Environment(strings.ToLower(strings.TrimSpace(name)))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return env
	default:
		return EnvDevelopment
	}
}

// IsProduction reports whether env is production.
func (e Environment) IsProduction() bool {
	return e == EnvProduction
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	Environment Environment `koanf:"environment" validate:"oneof=development staging production"`
	// ListenAddr is the ops HTTP address serving health and metrics.
	ListenAddr string `koanf:"listen_addr" validate:"required"`
	// ShutdownTimeout bounds the wait for in-flight operations on shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// CancelGrace is how long cancelled operations get to unwind.
	CancelGrace time.Duration `koanf:"cancel_grace" validate:"gte=0"`
	// Actor is recorded on operations started by the scheduler.
	Actor string `koanf:"actor" validate:"required"`
	// APIToken enables the mutating ops routes. Empty keeps the API read-only.
	APIToken string `koanf:"api_token" validate:"omitempty,min=16"`
	// RateLimitRequests per RateLimitPeriod apply to mutating routes.
	RateLimitRequests int64         `koanf:"rate_limit_requests" validate:"gt=0"`
	RateLimitPeriod   time.Duration `koanf:"rate_limit_period" validate:"gt=0"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes" validate:"gt=0"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`
	// Format is json or console. Empty picks console outside production.
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}
